package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"commerce-relay/config"
	"commerce-relay/internal/repository"
	"commerce-relay/pkg/database"
)

const usage = `
Commerce Relay - Database CLI Tool

Usage:
  migrate [command] [flags]

Commands:
  up          Create the relay tables and indexes (idempotent)
  status      Show connection status and row counts per table

Flags:
  -timeout duration   How long to wait for Postgres (default 30s)

Examples:
  go run cmd/migrate/main.go up
  go run cmd/migrate/main.go -timeout 5s status
`

func main() {
	timeout := flag.Duration("timeout", 30*time.Second, "How long to wait for Postgres")

	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	ctx := context.Background()

	cfg := config.LoadConfig()
	db, err := database.Connect(ctx, cfg, *timeout)
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer db.Close()

	switch command {
	case "up":
		log.Println("🚀 Running migrations UP...")
		if err := repository.InitSchema(ctx, db); err != nil {
			log.Fatalf("❌ Migration failed: %v", err)
		}
		log.Println("✅ Migrations completed successfully!")
	case "status":
		showStatus(ctx, db)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func showStatus(ctx context.Context, db *sql.DB) {
	log.Println("🔍 Checking database status...")

	for _, table := range repository.Tables {
		exists, err := database.TableExists(ctx, db, table)
		if err != nil {
			log.Printf("⚠️  Error checking table %s: %v", table, err)
			continue
		}
		if !exists {
			log.Printf("❌ Table %-20s does not exist", table)
			continue
		}
		count, _ := database.TableCount(ctx, db, table)
		log.Printf("✅ Table %-20s exists (%d rows)", table, count)
	}

	if err := database.HealthCheck(ctx, db); err != nil {
		log.Printf("⚠️  Health check warning: %v", err)
	} else {
		log.Println("✅ Health check: PASSED")
	}
}
