// Command mistica-keygen manages the pre-shared keys that secure a
// SOTP session's RC4-like stream cipher: generating new random keys,
// inspecting a keystore entry's fingerprint, and exporting a key for
// distribution to the peer endpoint.
package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/term"

	"github.com/misticateam/mistica/internal/keystore"
)

const defaultKeyFile = "session.key"
const sotpKeySize = 32

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		generateCmd(os.Args[2:])
	case "show":
		showCmd(os.Args[2:])
	case "export":
		exportCmd(os.Args[2:])
	case "derive":
		deriveCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mistica-keygen - SOTP pre-shared key management")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mistica-keygen generate [flags]  - generate a new pre-shared key")
	fmt.Println("  mistica-keygen show [flags]       - print a keystore entry's fingerprint")
	fmt.Println("  mistica-keygen export [flags]     - export a key's raw base64 form")
	fmt.Println("  mistica-keygen derive [flags]     - derive a reproducible key from a passphrase")
	fmt.Println()
	fmt.Println("Run 'mistica-keygen <command> -h' for command-specific help")
}

func readPassphrase(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	output := fs.String("output", filepath.Join(keystore.DefaultKeystorePath(), defaultKeyFile), "keystore file to write")
	noPassphrase := fs.Bool("no-passphrase", false, "store the key unencrypted (insecure, loopback testing only)")
	force := fs.Bool("force", false, "overwrite an existing keystore file")
	fs.Parse(args)

	if !*force {
		if _, err := os.Stat(*output); err == nil {
			fmt.Fprintf(os.Stderr, "%s already exists; pass --force to overwrite\n", *output)
			os.Exit(1)
		}
	}

	key := make([]byte, sotpKeySize)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
		os.Exit(1)
	}

	passphrase := ""
	if !*noPassphrase {
		p, err := readPassphrase("Enter passphrase (leave empty for no encryption): ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read passphrase: %v\n", err)
			os.Exit(1)
		}
		passphrase = p
		if passphrase != "" {
			confirm, err := readPassphrase("Confirm passphrase: ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to read passphrase: %v\n", err)
				os.Exit(1)
			}
			if confirm != passphrase {
				fmt.Fprintln(os.Stderr, "passphrases do not match")
				os.Exit(1)
			}
		}
	}

	if err := keystore.SaveKey(key, *output, passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "failed to save keystore: %v\n", err)
		os.Exit(1)
	}

	stored := *output
	if passphrase == "" {
		stored += ".insecure"
	}

	fmt.Println("Pre-shared key generated.")
	fmt.Printf("Fingerprint: %s\n", fingerprint(key))
	fmt.Printf("Stored at:   %s\n", stored)
	if passphrase == "" {
		fmt.Println("WARNING: key stored WITHOUT encryption")
	}
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	input := fs.String("input", filepath.Join(keystore.DefaultKeystorePath(), defaultKeyFile), "keystore file to read")
	fs.Parse(args)

	key, path, err := loadWithPrompt(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load keystore: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Fingerprint: %s\n", fingerprint(key))
	fmt.Printf("Key size:    %d bytes\n", len(key))
	fmt.Printf("Source:      %s\n", path)
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	input := fs.String("input", filepath.Join(keystore.DefaultKeystorePath(), defaultKeyFile), "keystore file to read")
	fs.Parse(args)

	key, _, err := loadWithPrompt(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load keystore: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(base64.StdEncoding.EncodeToString(key))
}

// loadWithPrompt tries the path as given, then its ".insecure" sibling;
// an encrypted entry prompts for its passphrase.
func loadWithPrompt(path string) ([]byte, string, error) {
	if _, err := os.Stat(path); err == nil {
		passphrase, err := readPassphrase("Enter passphrase: ")
		if err != nil {
			return nil, "", err
		}
		key, err := keystore.LoadKey(path, passphrase)
		return key, path, err
	}

	insecurePath := path + ".insecure"
	key, err := keystore.LoadKey(insecurePath, "")
	return key, insecurePath, err
}

// deriveCmd derives a reproducible 32-byte key from an operator
// passphrase and a salt via HKDF-SHA256, so the same two endpoints can
// independently arrive at an identical pre-shared key without
// transferring key material at all. Unlike generate, the passphrase
// here IS the key source, not a wrapper around a random one.
func deriveCmd(args []string) {
	fs := flag.NewFlagSet("derive", flag.ExitOnError)
	salt := fs.String("salt", "mistica-sotp", "public salt both endpoints must agree on")
	output := fs.String("output", "", "keystore file to write; if empty, prints the key instead")
	fs.Parse(args)

	passphrase, err := readPassphrase("Enter passphrase: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read passphrase: %v\n", err)
		os.Exit(1)
	}
	if passphrase == "" {
		fmt.Fprintln(os.Stderr, "derive requires a non-empty passphrase")
		os.Exit(1)
	}

	reader := hkdf.New(sha256.New, []byte(passphrase), []byte(*salt), []byte("mistica-sotp-key"))
	key := make([]byte, sotpKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to derive key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Fingerprint: %s\n", fingerprint(key))

	if *output == "" {
		fmt.Println(base64.StdEncoding.EncodeToString(key))
		return
	}
	if err := keystore.SaveKey(key, *output, ""); err != nil {
		fmt.Fprintf(os.Stderr, "failed to save keystore: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Stored at: %s.insecure\n", *output)
}

func fingerprint(key []byte) string {
	hash := sha256.Sum256(key)
	return fmt.Sprintf("SHA256:%x", hash[:8])
}
