package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/cli"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/config"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/flagx"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()

	app, err := cli.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer app.Close()

	if err := app.Run(ctx, flagx.Positional(os.Args[1:])); err != nil {
		log.Fatalf("%v", err)
	}
}
