// Command mistica-server runs the carrier-side listener for one
// (overlay, wrapper) module pair: it accepts carrier transactions
// through the configured wrap server, hands each one to the router,
// and lets the router mint sessions and spawn per-session workers.
// Only single-handler operation is implemented; the multi-handler mode
// named in the protocol is a recognised, unimplemented stub (see
// DESIGN.md).
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/misticateam/mistica/internal/config"
	"github.com/misticateam/mistica/internal/events"
	"github.com/misticateam/mistica/internal/health"
	"github.com/misticateam/mistica/internal/keystore"
	"github.com/misticateam/mistica/internal/logging"
	"github.com/misticateam/mistica/internal/metrics"
	"github.com/misticateam/mistica/internal/overlay"
	"github.com/misticateam/mistica/internal/router"
	"github.com/misticateam/mistica/internal/tracing"
	"github.com/misticateam/mistica/internal/validation"
	"github.com/misticateam/mistica/internal/wrapper"

	_ "github.com/misticateam/mistica/internal/overlay/io"
	_ "github.com/misticateam/mistica/internal/overlay/shell"
	_ "github.com/misticateam/mistica/internal/overlay/tcp"

	_ "github.com/misticateam/mistica/internal/wrapper/dns"
	_ "github.com/misticateam/mistica/internal/wrapper/http"
	_ "github.com/misticateam/mistica/internal/wrapper/icmp"
	_ "github.com/misticateam/mistica/internal/wrapper/tcp"
)

const version = "1.0.0"

func main() {
	keyRaw := flag.String("key", "", "base64 pre-shared key (mutually exclusive with --keystore)")
	keystorePath := flag.String("keystore", "", "keystore file holding the pre-shared key")
	passphrase := flag.String("passphrase", "", "passphrase for an encrypted --keystore entry")
	modules := flag.String("modules", "", "overlay:wrapper module pair to host, e.g. shell:tcp")
	overlayArgsRaw := flag.String("overlay-args", "", "comma-separated key=value overlay module arguments")
	wrapperArgsRaw := flag.String("wrapper-args", "", "comma-separated key=value client-wrapper arguments (accepted for symmetry, unused server-side)")
	wrapServerArgsRaw := flag.String("wrap-server-args", "", "comma-separated key=value wrap server (listener) arguments")
	mode := flag.String("mode", "single", "single (implemented) or multi (recognised but stubbed)")
	healthAddr := flag.String("health-addr", "", "address to expose /health and /metrics on (disabled if empty)")
	list := flag.Bool("list", false, "list registered modules, or a named module's arguments, and exit")
	verbosity := flag.Int("v", 0, "verbosity: 0=info, 1=debug, 2 or more=trace")
	flag.Parse()

	if *list {
		runList(flag.Args())
		return
	}

	log := logging.New("mistica-server", version, os.Stdout).WithVerbosity(*verbosity)

	if *mode == "multi" {
		handleMultiMode(log)
		return
	} else if *mode != "single" {
		log.Fatal(fmt.Errorf("unknown --mode %q", *mode), "configuration error")
	}

	cfg := config.DefaultConfig()
	cfg.Verbosity = *verbosity

	key, err := resolveKey(*keyRaw, *keystorePath, *passphrase)
	if err != nil {
		log.Fatal(err, "failed to resolve pre-shared key")
	}
	cfg.Key = key
	cfg.HealthAddr = *healthAddr

	overlayName, wrapperName, err := config.SplitModules(*modules)
	if err != nil {
		log.Fatal(err, "invalid --modules flag")
	}
	cfg.OverlayName, cfg.WrapperName = overlayName, wrapperName

	if cfg.OverlayArgs, err = config.ParseArgs(*overlayArgsRaw); err != nil {
		log.Fatal(err, "invalid --overlay-args")
	}
	if _, err = config.ParseArgs(*wrapperArgsRaw); err != nil {
		log.Fatal(err, "invalid --wrapper-args")
	}
	if cfg.WrapServerArgs, err = config.ParseArgs(*wrapServerArgsRaw); err != nil {
		log.Fatal(err, "invalid --wrap-server-args")
	}

	if verr := cfg.Validate(); verr != nil {
		log.Fatal(verr, "configuration error")
	}

	wrapSrv, err := wrapper.Global.NewServer(cfg.WrapperName, cfg.WrapServerArgs)
	if err != nil {
		log.Fatal(err, "failed to build wrap server listener")
	}

	m := metrics.New()
	ev := events.NewPublisher(64)

	rtr, err := router.New(cfg.Key, cfg.MaxRetries, cfg.MaxSize, cfg.OverlayName, cfg.OverlayArgs, overlay.Global, cfg.WrapperName, log, m, ev)
	if err != nil {
		log.Fatal(err, "failed to build router")
	}

	shutdownTracing, terr := tracing.InitTracing(context.Background(), "mistica-server")
	if terr != nil {
		log.Warn(fmt.Sprintf("tracing disabled: %v", terr))
	} else {
		defer shutdownTracing(context.Background())
	}

	if cfg.HealthAddr != "" {
		hc := health.NewHealthChecker(version)
		hc.RegisterCheck("keystore", health.KeystoreCheck(len(cfg.Key) > 0))
		hc.RegisterCheck(cfg.WrapperName, health.WrapServerListenerCheck(cfg.WrapperName, cfg.HealthAddr, true))
		go serveHealth(cfg.HealthAddr, hc, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received interrupt, shutting down routes")
		rtr.Shutdown()
		cancel()
	}()

	log.Info(fmt.Sprintf("serving: overlay=%s wrapper=%s", cfg.OverlayName, cfg.WrapperName))
	if err := wrapSrv.Serve(ctx, rtr.HandleInbound); err != nil && ctx.Err() == nil {
		log.Error(err, "wrap server exited with error")
		os.Exit(1)
	}
}

// handleMultiMode is the stub for multi-handler server operation: the
// flag is recognised, but no routing exists behind it. Selecting it
// logs one Info line and the process exits with status 0 without
// serving.
func handleMultiMode(log *logging.Logger) {
	log.Info("multi-handler server mode is recognised but not implemented; exiting")
}

func resolveKey(keyB64, keystorePath, passphrase string) ([]byte, error) {
	if keyB64 != "" && keystorePath != "" {
		return nil, fmt.Errorf("--key and --keystore are mutually exclusive")
	}
	if keyB64 != "" {
		if err := validation.ValidatePresharedKey(keyB64); err != nil {
			return nil, fmt.Errorf("--key: %w", err)
		}
		key, _ := base64.StdEncoding.DecodeString(keyB64)
		return key, nil
	}
	if keystorePath != "" {
		return keystore.LoadKey(keystorePath, passphrase)
	}
	return nil, fmt.Errorf("one of --key or --keystore is required")
}

func runList(args []string) {
	if len(args) == 0 {
		fmt.Println("Overlay modules:")
		for _, d := range overlay.Global.List() {
			fmt.Printf("  %-10s %s\n", d.Name, d.Description)
		}
		fmt.Println("Wrap server modules:")
		for _, d := range wrapper.Global.ListServers() {
			fmt.Printf("  %-10s %s\n", d.Name, d.Description)
		}
		return
	}

	name := args[0]
	if d, ok := overlay.Global.Describe(name); ok {
		printDescriptorArgs(d.Name, d.Description, toOverlayArgs(d.Args))
		return
	}
	found := false
	for _, d := range wrapper.Global.ListServers() {
		if d.Name == name {
			printDescriptorArgs(d.Name, d.Description, toWrapperArgs(d.Args))
			found = true
			break
		}
	}
	if found {
		return
	}
	fmt.Fprintf(os.Stderr, "unknown module %q\n", name)
	os.Exit(1)
}

type argRow struct {
	Name, Type, Default, Description string
	Required                         bool
}

func toOverlayArgs(specs []overlay.ArgSpec) []argRow {
	out := make([]argRow, len(specs))
	for i, s := range specs {
		out[i] = argRow{s.Name, s.Type, s.Default, s.Description, s.Required}
	}
	return out
}

func toWrapperArgs(specs []wrapper.ArgSpec) []argRow {
	out := make([]argRow, len(specs))
	for i, s := range specs {
		out[i] = argRow{s.Name, s.Type, s.Default, s.Description, s.Required}
	}
	return out
}

func printDescriptorArgs(name, description string, rows []argRow) {
	fmt.Printf("%s - %s\n\n", name, description)
	for _, r := range rows {
		req := ""
		if r.Required {
			req = " (required)"
		}
		fmt.Printf("  %-14s %-8s default=%-8s%s %s\n", r.Name, r.Type, r.Default, req, r.Description)
	}
}

func serveHealth(addr string, hc *health.HealthChecker, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", hc.Handler())
	log.Info("health/metrics endpoint listening on " + addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Error(err, "health server error")
	}
}
