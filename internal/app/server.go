// Package app wires configuration, logging and statistics around the two
// run modes: the relay server and the local client forwarder.
package app

import (
	"context"
	"io"
	"time"

	"github.com/1ureka/edgerelay/internal/config"
	"github.com/1ureka/edgerelay/internal/server"
	"github.com/1ureka/edgerelay/internal/util"
)

// SetupLogging applies the [log] section. The returned closer releases the
// log file, if any.
func SetupLogging(cfg *config.Config) io.Closer {
	if cfg.Log.Debug {
		util.EnableDebug()
	}
	if cfg.Log.JSON {
		util.EnableJSON()
	}
	return util.SetupLogFile(cfg.LogFile())
}

// RunServer validates cfg and serves the relay until ctx is cancelled.
func RunServer(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	fallback := cfg.Fallback
	if fallback == "" {
		fallback = "none"
	}
	util.LogInfo("dial timeout %s, fallback %s", time.Duration(cfg.DialTimeout), fallback)
	if cfg.WebRTC.Enabled {
		util.LogInfo("webrtc ingress on %s", server.RTCPath)
	}

	if cfg.Stats {
		util.StartStatsReporter(ctx)
	}

	return server.Serve(ctx, cfg, cfg.Dialer())
}
