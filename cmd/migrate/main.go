package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"rankrelay.org/internal/migrate"
	pgstore "rankrelay.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = pflag.String("dsn", os.Getenv("AUDIT_PG_DSN"), "PostgreSQL DSN for the audit store")
		migrationsPath = pflag.String("migrations", "ops/migrations/sql", "directory holding *.up.sql / *.down.sql")
		timeout        = pflag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|status")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or AUDIT_PG_DSN")
	}
	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pgstore.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), os.DirFS(*migrationsPath))

	switch cmd := pflag.Arg(0); cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
		if err == nil && len(applied) == 0 {
			fmt.Println("nothing to apply")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Println("nothing to roll back")
			err = nil
		} else if err == nil {
			fmt.Println("rolled back", name)
		}
	case "status":
		var list []migrate.Migration
		list, err = mgr.Status(ctx)
		for _, m := range list {
			mark := " "
			if m.Applied {
				mark = "x"
			}
			fmt.Printf("[%s] %s\n", mark, m.Name)
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
}
