// Package helper implements the elevated companion process. It is meant
// to be launched through a privilege broker (pkexec), acquires the
// elevation lock, and serves privileged operations over a Unix socket
// until revoked.
package helper

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"linman/internal/handshake"
	"linman/internal/rpc"
	"linman/internal/source"
	"linman/pkg/config"
	"linman/pkg/logger"
)

// Run starts the elevated helper and blocks until revoked or signaled.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Devices.LogLevel)

	if os.Geteuid() != 0 {
		return fmt.Errorf("helper must run as root (euid %d); launch it via 'linman elevate'", os.Geteuid())
	}

	for _, p := range []string{cfg.Elevation.LockPath, cfg.Elevation.SocketPath} {
		dir := filepath.Dir(p)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// The lock is the handshake: the unprivileged side treats its
	// appearance as the grant. Acquire it before serving anything.
	lock, err := handshake.Acquire(cfg.Elevation.LockPath, handshake.ModeElevated)
	if err != nil {
		if errors.Is(err, handshake.ErrConflict) {
			return fmt.Errorf("another helper is already elevated: %w", err)
		}
		return fmt.Errorf("acquiring elevation lock: %w", err)
	}
	defer lock.Release()

	src := source.NewSysfs(cfg.Devices.SysfsRoot, log)

	revoked := make(chan struct{}, 1)
	svc := rpc.NewService(src, revoked, log)

	listener, err := rpc.StartServer(cfg.Elevation.SocketPath, svc, log)
	if err != nil {
		return fmt.Errorf("starting RPC server: %w", err)
	}
	defer listener.Close()
	defer os.Remove(cfg.Elevation.SocketPath)

	log.Info().
		Int("pid", os.Getpid()).
		Str("lock", lock.Path()).
		Msg("Elevated helper ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-revoked:
		log.Info().Msg("Revoked, shutting down")
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}
	return nil
}
