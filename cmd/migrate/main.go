package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"scriptgate.org/internal/config"
	"scriptgate.org/internal/migrate"
	"scriptgate.org/internal/store/sqlstore"
)

func main() {
	log.SetFlags(0)
	var (
		configFile = flag.String("config", "", "config file (default ./scriptgate.yaml)")
		driver     = flag.String("driver", "", "database driver, pgx or sqlite (overrides config)")
		dsn        = flag.String("dsn", "", "database DSN (overrides config)")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer st.Close()

	mgr := migrate.NewManager(st.DB(), sqlstore.Migrations())

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Printf("unknown command %q", flag.Arg(0))
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
