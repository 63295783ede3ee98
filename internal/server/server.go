package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/edgerelay/internal/config"
	"github.com/1ureka/edgerelay/internal/util"
)

const (
	// RTCPath is where the WebRTC ingress is mounted when enabled.
	RTCPath = "/rtc"

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// NewMux routes h on the relay path, and /rtc when enabled.
func NewMux(cfg *config.Config, h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, h)
	if cfg.WebRTC.Enabled {
		mux.Handle(RTCPath, NewRTCHandler(h, cfg.WebRTC.STUN))
	}
	return mux
}

// NewOpsMux serves Prometheus metrics and a liveness probe.
func NewOpsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Listen opens the relay listener, wrapped for PROXY protocol headers when
// cfg.ProxyProtocol is set. Such a listener rejects connections that do not
// start with a header.
func Listen(cfg *config.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	if cfg.ProxyProtocol {
		ln = &proxyproto.Listener{
			Listener: ln,
			Policy: func(upstream net.Addr) (proxyproto.Policy, error) {
				return proxyproto.REQUIRE, nil
			},
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}
	return ln, nil
}

// Serve runs the relay (and the ops listener when configured) until ctx is
// cancelled, then shuts both down. Relayed sessions are hijacked connections
// that http.Server does not track; they are killed on shutdown.
func Serve(ctx context.Context, cfg *config.Config, d Dialer) error {
	ln, err := Listen(cfg)
	if err != nil {
		return err
	}

	h := NewHandler(cfg.Secret(), d, cfg.RelayOptions())
	srv := &http.Server{
		Handler:           NewMux(cfg, h),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var ops *http.Server
	if cfg.MetricsAddr != "" {
		ops = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           NewOpsMux(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				util.LogError("metrics server on %s: %v", cfg.MetricsAddr, err)
			}
		}()
		util.LogInfo("metrics on http://%s/metrics", cfg.MetricsAddr)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	util.LogSuccess("relay listening on %s%s", ln.Addr(), cfg.Path)

	select {
	case err := <-errCh:
		if ops != nil {
			ops.Close()
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if ops != nil {
		_ = ops.Shutdown(shutdownCtx)
	}
	err = srv.Shutdown(shutdownCtx)
	if n := h.Sessions().Len(); n > 0 {
		util.LogInfo("closing %d active sessions", n)
	}
	h.Sessions().KillAll()
	if err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
