// Command mistica-client drives one client-side SOTP session: it
// loads the pre-shared key, builds the configured overlay and wrapper
// modules, performs the RequestAuth/ResponseAuth handshake, and pumps
// application bytes over the tunnel until the overlay source reaches
// EOF, the peer terminates the session, or the retry budget is
// exhausted.
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

	"github.com/misticateam/mistica/internal/client"
	"github.com/misticateam/mistica/internal/config"
	"github.com/misticateam/mistica/internal/events"
	"github.com/misticateam/mistica/internal/health"
	"github.com/misticateam/mistica/internal/keystore"
	"github.com/misticateam/mistica/internal/logging"
	"github.com/misticateam/mistica/internal/metrics"
	"github.com/misticateam/mistica/internal/overlay"
	"github.com/misticateam/mistica/internal/sotp"
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
	modules := flag.String("modules", "", "overlay:wrapper module pair to run, e.g. io:tcp")
	overlayArgsRaw := flag.String("overlay-args", "", "comma-separated key=value overlay module arguments")
	wrapperArgsRaw := flag.String("wrapper-args", "", "comma-separated key=value wrapper module arguments")
	healthAddr := flag.String("health-addr", "", "address to expose /health and /metrics on (disabled if empty)")
	list := flag.Bool("list", false, "list registered modules, or a named module's arguments, and exit")
	verbosity := flag.Int("v", 0, "verbosity: 0=info, 1=debug, 2 or more=trace")
	flag.Parse()

	if *list {
		runList(flag.Args())
		return
	}

	log := logging.New("mistica-client", version, os.Stdout).WithVerbosity(*verbosity)

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
	if cfg.WrapperArgs, err = config.ParseArgs(*wrapperArgsRaw); err != nil {
		log.Fatal(err, "invalid --wrapper-args")
	}

	if verr := cfg.Validate(); verr != nil {
		log.Fatal(verr, "configuration error")
	}

	ov, err := overlay.Global.New(cfg.OverlayName, cfg.OverlayArgs)
	if err != nil {
		log.Fatal(err, "failed to build overlay module")
	}
	wr, err := wrapper.Global.New(cfg.WrapperName, cfg.WrapperArgs)
	if err != nil {
		ov.Close()
		log.Fatal(err, "failed to build wrapper module")
	}

	tun := wr.Tunables()
	if tun.MaxSize > 0 {
		cfg.MaxSize = tun.MaxSize
	}
	if tun.MaxRetries > 0 {
		cfg.MaxRetries = tun.MaxRetries
	}
	if tun.ResponseTimeout > 0 {
		cfg.ResponseTimeout = tun.ResponseTimeout
	}
	if tun.PollDelay > 0 {
		cfg.PollDelay = tun.PollDelay
	}

	core, err := sotp.NewCore(cfg.Key, cfg.MaxRetries, cfg.MaxSize)
	if err != nil {
		log.Fatal(err, "failed to build SOTP core")
	}

	m := metrics.New()
	ev := events.NewPublisher(32)

	shutdownTracing, terr := tracing.InitTracing(context.Background(), "mistica-client")
	if terr != nil {
		log.Warn(fmt.Sprintf("tracing disabled: %v", terr))
	} else {
		defer shutdownTracing(context.Background())
	}

	if cfg.HealthAddr != "" {
		go serveHealth(cfg.HealthAddr, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received interrupt, terminating session")
		cancel()
	}()

	c := client.New(core, ov, wr, log, m, ev, cfg.ResponseTimeout, cfg.PollDelay)

	log.Info(fmt.Sprintf("starting session: overlay=%s wrapper=%s", cfg.OverlayName, cfg.WrapperName))
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error(err, "session ended with error")
		os.Exit(1)
	}
	if c.CommsBroken() {
		os.Exit(1)
	}
}

// resolveKey loads the pre-shared key from exactly one of --key or
// --keystore, refusing to start (ConfigError) if neither or both are
// given.
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
		fmt.Println("Wrapper modules:")
		for _, d := range wrapper.Global.List() {
			fmt.Printf("  %-10s %s\n", d.Name, d.Description)
		}
		return
	}

	name := args[0]
	if d, ok := overlay.Global.Describe(name); ok {
		printDescriptorArgs(d.Name, d.Description, toConfigArgs(d.Args))
		return
	}
	if d, ok := wrapper.Global.Describe(name); ok {
		printDescriptorArgs(d.Name, d.Description, toConfigArgsW(d.Args))
		return
	}
	fmt.Fprintf(os.Stderr, "unknown module %q\n", name)
	os.Exit(1)
}

type argRow struct {
	Name, Type, Default, Description string
	Required                         bool
}

func toConfigArgs(specs []overlay.ArgSpec) []argRow {
	out := make([]argRow, len(specs))
	for i, s := range specs {
		out[i] = argRow{s.Name, s.Type, s.Default, s.Description, s.Required}
	}
	return out
}

func toConfigArgsW(specs []wrapper.ArgSpec) []argRow {
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

func serveHealth(addr string, log *logging.Logger) {
	hc := health.NewHealthChecker(version)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", hc.Handler())
	log.Info("health/metrics endpoint listening on " + addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Error(err, "health server error")
	}
}
