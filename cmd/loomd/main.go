package main

import (
	"context"
	"flag"
	"log"

	"loom/internal/config"
	"loom/internal/daemon"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := daemon.Run(context.Background(), cfg); err != nil {
		log.Fatalf("loomd: %v", err)
	}
}
