// Command keyserver runs the license-key management service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"keyserver/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keyserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	application, err := app.NewApplication()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	return application.Run(ctx)
}
