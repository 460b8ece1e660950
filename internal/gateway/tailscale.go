package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// StartTailscale serves handler on a tailnet listener when
// gateway.tailscale.hostname is set. The tailnet is a secondary
// surface: any failure here logs a warning and leaves the local
// listener as the only one. Returns a cleanup func, or nil when the
// listener is disabled or never came up.
func StartTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	tsCfg := cfg.Gateway.Tailscale
	if tsCfg.Hostname == "" {
		return nil
	}

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Warn("tailscale disabled: cannot resolve home directory for state dir", "error", err)
			return nil
		}
		stateDir = filepath.Join(home, ".clawgate", "tsnet")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		slog.Warn("tailscale disabled: cannot create state dir", "dir", stateDir, "error", err)
		return nil
	}

	// tsnet reads TS_AUTHKEY itself, but resolving it here keeps the
	// config file the single place operators need to look.
	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}

	srv := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	status, err := srv.Up(ctx)
	if err != nil {
		slog.Warn("tailscale node failed to come up", "hostname", tsCfg.Hostname, "error", err)
		srv.Close()
		return nil
	}

	var tsAddr string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	}
	var dnsName string
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	slog.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Warn("tailscale listen failed", "hostname", tsCfg.Hostname, "error", err)
		srv.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: handler}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("tailscale listener stopped", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
		srv.Close()
	}
}
