// Edgerelay: CLI entry point.
//
// In server mode it accepts WebSocket upgrades whose Sec-WebSocket-Protocol
// carries a connection header, dials the TCP target it names and relays
// bytes both ways. In client mode it listens locally and forwards every
// connection through such a relay to a fixed target.
//
// Settings come from an optional TOML file (-config); flags override it. With
// no -mode flag the mode is chosen interactively.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/edgerelay/internal/app"
	"github.com/1ureka/edgerelay/internal/config"
	"github.com/1ureka/edgerelay/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a TOML config file")
	mode := flag.String("mode", "", "Run mode: server or client")
	listen := flag.String("listen", "", "Listen address (server mode)")
	secret := flag.String("uuid", "", "Shared secret in UUID form")
	fallback := flag.String("fallback", "", "Fallback relay host:port, or 'none'")
	dialTimeout := flag.Duration("dialTimeout", 0, "Per-attempt outbound dial timeout")
	metricsAddr := flag.String("metrics", "", "Address for /metrics and /healthz (server mode)")
	relayURL := flag.String("relay", "", "Relay WebSocket URL (client mode)")
	target := flag.String("target", "", "host:port the relay should connect to (client mode)")
	local := flag.String("local", "", "Local listen address (client mode)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags win over the file.
	setString(&cfg.Listen, *listen)
	setString(&cfg.UUID, *secret)
	setString(&cfg.MetricsAddr, *metricsAddr)
	setString(&cfg.Client.Target, *target)
	setString(&cfg.Client.Listen, *local)
	if *fallback == "none" {
		cfg.Fallback = ""
	} else {
		setString(&cfg.Fallback, *fallback)
	}
	if *dialTimeout > 0 {
		cfg.DialTimeout = config.Duration(*dialTimeout)
	}
	if *relayURL != "" {
		u, err := normalizeWSURL(*relayURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.Client.RelayURL = u
	}
	if *debugMode {
		cfg.Log.Debug = true
	}

	logFile := app.SetupLogging(&cfg)
	defer logFile.Close()

	pterm.Info.Println(fmt.Sprintf("Edgerelay — v%s", version))
	pterm.Println()

	var err error
	switch *mode {
	case "":
		// No -mode flag → interactive mode.
		err = runInteractive(ctx, &cfg)

	case "server":
		err = app.RunServer(ctx, &cfg)

	case "client":
		err = app.RunClient(ctx, &cfg)

	default:
		util.LogError("invalid -mode: must be 'server' or 'client'")
		os.Exit(1)
	}

	if err != nil {
		util.LogError("%v", err)
		logFile.Close()
		os.Exit(1)
	}
	util.LogInfo("shut down")
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the mode, and for the client settings the config
// does not already provide.
func runInteractive(ctx context.Context, cfg *config.Config) error {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server — Relay incoming connections", "Client — Forward a local port through a relay"}).
		WithDefaultText("Select run mode").
		Show()

	pterm.Println()

	if strings.HasPrefix(mode, "Server") {
		return app.RunServer(ctx, cfg)
	}

	if cfg.Client.RelayURL == "" {
		cfg.Client.RelayURL = askURL()
	}
	if cfg.Client.Target == "" {
		cfg.Client.Target = askTarget()
	}
	return app.RunClient(ctx, cfg)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a relay URL, mapping http(s) onto ws(s) and
// defaulting to wss. The path is kept.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay URL scheme: %s", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://relay.example.org/)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askTarget prompts for the host:port the relay should connect to.
func askTarget() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Target host:port (e.g. example.org:22)").
			Show()

		raw = strings.TrimSpace(raw)
		if host, port, err := net.SplitHostPort(raw); err == nil && host != "" && port != "" {
			pterm.Println()
			return raw
		}

		util.LogWarning("invalid target: expected host:port")
		pterm.Println()
	}
}
