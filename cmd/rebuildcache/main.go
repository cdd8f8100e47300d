package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ncecere/usage_insights/internal/app"
	"github.com/ncecere/usage_insights/internal/config"
	"github.com/ncecere/usage_insights/internal/database"
	"github.com/ncecere/usage_insights/internal/redisclient"
	"github.com/ncecere/usage_insights/internal/usage"
)

// rebuildcache re-enriches cached days from their stored raw payloads. Safe
// to run while the service is live: each date is guarded by the same
// advisory lock the server takes.
func main() {
	configFile := flag.String("config", "", "path to a config file (overrides lookup)")
	envFile := flag.String("env", "", "path to a dotenv file")
	start := flag.String("start", "", "first date to rebuild (YYYY-MM-DD, requires -end)")
	end := flag.String("end", "", "last date to rebuild (YYYY-MM-DD, requires -start)")
	blocking := flag.Bool("blocking", false, "wait for contended locks instead of skipping")
	flag.Parse()

	if (*start == "") != (*end == "") {
		log.Fatal("-start and -end must be provided together")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbPool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer dbPool.Close()

	redisClient := redisclient.New(cfg.Redis)
	defer redisClient.Close()

	container, err := app.NewContainer(ctx, cfg, dbPool, redisClient)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}
	defer container.Shutdown(ctx)

	var rng *usage.DateRange
	if *start != "" {
		rng = &usage.DateRange{Start: *start, End: *end}
	}

	report, err := container.Analytics.Rebuild(ctx, rng, *blocking)
	if err != nil {
		log.Fatalf("rebuild: %v", err)
	}

	log.Printf("rebuild complete: candidates=%d rebuilt=%d skipped=%d failed=%d",
		report.Candidates, report.Rebuilt, report.Skipped, report.Failed)
	if report.Failed > 0 {
		os.Exit(1)
	}
}
