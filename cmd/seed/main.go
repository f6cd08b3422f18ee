// Package main imports adapters, servers and targets from a YAML manifest.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/CrashVibe/FGateNexus/internal/config"
	"github.com/CrashVibe/FGateNexus/internal/seed"
	"github.com/CrashVibe/FGateNexus/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	manifestPath := flag.String("manifest", "", "path to the seed manifest (required)")
	dryRun := flag.Bool("dry-run", false, "validate the manifest without writing")
	flag.Parse()

	if *manifestPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	manifest, err := seed.Load(*manifestPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *dryRun {
		fmt.Fprintf(os.Stdout, "manifest ok: %d adapter(s), %d server(s) [%s]\n",
			len(manifest.Adapters), len(manifest.Servers), time.Since(start))
		return
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

	imp := seed.NewImporter(
		postgres.NewAdapterRepository(pool.DB()),
		postgres.NewServerRepository(pool.DB()),
		postgres.NewTargetRepository(pool.DB()),
	)
	res, err := imp.Import(ctx, manifest)
	if err != nil {
		log.Fatalf("importing manifest: %v", err)
	}

	fmt.Fprintf(os.Stdout, "adapters created=%d skipped=%d, servers created=%d skipped=%d, targets created=%d [%s]\n",
		res.AdaptersCreated, res.AdaptersSkipped, res.ServersCreated, res.ServersSkipped, res.TargetsCreated,
		time.Since(start))
}
