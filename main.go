package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-sync/app"

	"github.com/sirupsen/logrus"
)

func main() {
	server, err := app.NewServer()
	if err != nil {
		logrus.WithError(err).Fatal("failed to start")
	}

	errc := make(chan error, 1)
	go func() { errc <- server.Start("") }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			logrus.WithError(err).Error("server stopped")
		}
	case <-sig:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Close(ctx); err != nil {
		logrus.WithError(err).Fatal("shutdown failed")
	}
}
