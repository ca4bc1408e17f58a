package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"thefolder.dev/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds (default: embedded)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var migrations, seeds fs.FS = migrate.Migrations(), migrate.Seeds()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(db, migrations, seeds)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
