package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// exitNow ends the process on a repeated interrupt. Tests replace it.
var exitNow = os.Exit

// shutdownContext derives a context from parent that ends on SIGINT or
// SIGTERM. Running uploads stop at the next chunk boundary and keep their
// sessions; a second signal ends the process without waiting.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go watchSignals(parent, sigs, cancel, logger)

	return ctx
}

func watchSignals(parent context.Context, sigs chan os.Signal, cancel context.CancelFunc, logger *slog.Logger) {
	defer signal.Stop(sigs)
	defer cancel()

	for seen := 0; ; seen++ {
		select {
		case <-parent.Done():
			return
		case sig := <-sigs:
			if seen == 0 {
				logger.Info("stopping after the current chunk; signal again to exit now",
					slog.String("signal", sig.String()),
				)
				cancel()

				continue
			}

			logger.Warn("exiting without waiting for uploads", slog.String("signal", sig.String()))
			exitNow(1)

			return
		}
	}
}
