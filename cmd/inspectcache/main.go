package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/ncecere/usage_insights/internal/config"
	"github.com/ncecere/usage_insights/internal/database"
	"github.com/ncecere/usage_insights/internal/store"
	"github.com/ncecere/usage_insights/internal/timeutil"
)

// inspectcache prints the cached days in a range with their totals and
// freshness, for checking what a summary request would be served from.
func main() {
	configFile := flag.String("config", "", "path to a config file (overrides lookup)")
	envFile := flag.String("env", "", "path to a dotenv file")
	start := flag.String("start", "", "first date (YYYY-MM-DD, default 30 days ago)")
	end := flag.String("end", "", "last date (YYYY-MM-DD, default today)")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	loc, err := time.LoadLocation(cfg.Reporting.Timezone)
	if err != nil {
		log.Fatalf("load reporting timezone: %v", err)
	}
	today := timeutil.Today(time.Now(), loc)

	startStr := *start
	endStr := *end
	if endStr == "" {
		endStr = timeutil.FormatDay(today)
	}
	if startStr == "" {
		startStr = timeutil.FormatDay(timeutil.AddDays(today, -30))
	}
	if _, err := timeutil.ParseDay(startStr); err != nil {
		log.Fatalf("invalid -start: %v", err)
	}
	if _, err := timeutil.ParseDay(endStr); err != nil {
		log.Fatalf("invalid -end: %v", err)
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	days, err := store.New(pool).ListDays(ctx, startStr, endStr)
	if err != nil {
		log.Fatalf("list cached days: %v", err)
	}
	if len(days) == 0 {
		fmt.Printf("no cached days between %s and %s\n", startStr, endStr)
		return
	}

	todayStr := timeutil.FormatDay(today)
	for _, day := range days {
		age := time.Since(day.CachedAt).Round(time.Second)
		state := "permanent"
		if day.Date == todayStr {
			state = "fresh"
			if age > cfg.Cache.FreshnessWindow {
				state = "stale"
			}
		}
		fmt.Printf("%s  requests=%-8d spend=%-10.4f users=%-4d models=%-4d cached_at=%s age=%s %s\n",
			day.Date,
			day.Enriched.Totals.APIRequests,
			day.Enriched.Totals.Spend,
			len(day.Enriched.Users),
			len(day.Enriched.Models),
			day.CachedAt.Format(time.RFC3339),
			age,
			state,
		)
	}
	fmt.Printf("%d cached days between %s and %s\n", len(days), startStr, endStr)
}
