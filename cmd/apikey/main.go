// Command apikey issues an API key for an existing account and prints the secret once.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"thefolder.dev/internal/auth"
	"thefolder.dev/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		user    = flag.String("user", "", "Account id that will own the key")
		name    = flag.String("name", "cli", "Key label")
		rate    = flag.Int("rate", auth.DefaultKeyRateLimit, "Requests per minute allowed for the key")
		list    = flag.Bool("list", false, "List active keys instead of issuing one")
		revoke  = flag.String("revoke", "", "Deactivate the key with this id")
		timeout = flag.Duration("timeout", 10*time.Second, "Database timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if *user == "" {
		log.Fatal("missing -user")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	svc, err := auth.NewService(auth.NewPGStore(db.DB()), auth.WithDefaultKeyRateLimit(*rate))
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	switch {
	case *list:
		keys, err := svc.ListAPIKeys(ctx, *user)
		if err != nil {
			log.Fatalf("list keys: %v", err)
		}
		for _, k := range keys {
			last := "never"
			if k.LastUsedAt != nil {
				last = k.LastUsedAt.Format(time.RFC3339)
			}
			fmt.Printf("%s\t%s\tcreated=%s\tlast_used=%s\tuses=%d\n", k.ID, k.Name, k.CreatedAt.Format(time.RFC3339), last, k.UsageCount)
		}
	case *revoke != "":
		if err := svc.RevokeAPIKey(ctx, *user, *revoke); err != nil {
			log.Fatalf("revoke key: %v", err)
		}
		fmt.Println("revoked", *revoke)
	default:
		issued, err := svc.IssueAPIKey(ctx, *user, *name)
		if err != nil {
			log.Fatalf("issue key: %v", err)
		}
		fmt.Printf("key id: %s\napi key: %s\n%s\n", issued.Key.ID, issued.Secret, issued.Message)
	}
}
