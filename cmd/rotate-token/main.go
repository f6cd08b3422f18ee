// Package main provides a CLI tool for replacing a game server's token.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/CrashVibe/FGateNexus/internal/config"
	"github.com/CrashVibe/FGateNexus/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	serverID := flag.Int64("server", 0, "server id (required)")
	token := flag.String("token", "", "new token (default: a random UUID)")
	flag.Parse()

	if *serverID <= 0 {
		flag.Usage()
		os.Exit(1)
	}
	if *token == "" {
		*token = uuid.NewString()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer pool.Close()

	repo := postgres.NewServerRepository(pool.DB())

	srv, err := repo.Get(ctx, *serverID)
	if err != nil {
		log.Fatalf("looking up server %d: %v", *serverID, err)
	}
	if err := repo.SetToken(ctx, srv.ID, *token); err != nil {
		log.Fatalf("setting token: %v", err)
	}

	fmt.Fprintf(os.Stdout, "rotated token for %s (#%d): %s [%s]\n", srv.Name, srv.ID, *token, time.Since(start))
	fmt.Fprintln(os.Stdout, "a connected server keeps its session until it reconnects")
}
