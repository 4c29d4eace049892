package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	chroniclecmd "github.com/louisbranch/chronicle/internal/cmd/chronicle"
)

func main() {
	cfg, err := chroniclecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[CHRONICLE] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := chroniclecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("runtime stopped: %v", err)
	}
}
