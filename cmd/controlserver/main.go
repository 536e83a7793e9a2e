package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/control-server/management"
	"github.com/ruteri/control-server/params"
)

func main() {
	srv, err := management.Init(os.Args)
	if errors.Is(err, params.ErrUsage) {
		// Help was printed, nothing to run
		return
	}
	if err != nil {
		log.Fatal(err)
	}
	logger := srv.Log()

	// The first signal starts a graceful shutdown, a second one kills the process
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-exit
		signal.Stop(exit)
		logger.Info("Shutdown signal received", "signal", sig.String())
		if err := srv.Stop(); err != nil {
			logger.Error("Could not stop control server", "err", err)
		}
	}()

	err = srv.Start()
	if finiErr := srv.Fini(); finiErr != nil {
		logger.Error("Could not release control server", "err", finiErr)
	}
	if err != nil {
		logger.Error("Control server failed", "err", err)
		os.Exit(1)
	}
}
