// Package signals wires SIGINT/SIGTERM to graceful shutdown.
//
// Setup installs an OS signal handler. On the first signal it logs it,
// closes stopCh (if non-nil) and cancels the returned context. A second
// signal exits the process immediately.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Setup registers a handler for SIGINT and SIGTERM.
// It returns a context.Context that will be canceled when a signal is received.
// If stopCh is non-nil it will be closed when a signal is received.
func Setup(stopCh chan struct{}) context.Context {
	return setup(stopCh, func(code int) { os.Exit(code) })
}

func setup(stopCh chan struct{}, exit func(int)) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("signal received, shutting down")

		// stopCh may already be closed by the caller
		if stopCh != nil {
			func() {
				defer func() { _ = recover() }()
				close(stopCh)
			}()
		}
		cancel()

		sig = <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("second signal, exiting now")
		exit(1)
	}()

	return ctx
}
