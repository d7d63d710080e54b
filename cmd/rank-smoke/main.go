// Command rank-smoke exercises a running rankrelay: it promotes one member,
// undoes the change and checks the member ends where it started.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"rankrelay.org/internal/obs"
	"rankrelay.org/internal/rankapi"
	"rankrelay.org/internal/resilient"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log.SetFlags(0)
	var (
		addr    = pflag.String("addr", envOr("RANKRELAY_URL", "http://localhost:8080"), "rankrelay base URL")
		key     = pflag.String("api-key", os.Getenv("RANKRELAY_API_KEY"), "API key")
		user    = pflag.String("user", "", "member id or username to move")
		timeout = pflag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	pflag.Parse()
	if *key == "" || *user == "" {
		log.Fatal("usage: rank-smoke --api-key KEY --user MEMBER [--addr URL]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := rankapi.New(*addr, *key, resilient.New(resilient.DefaultPolicy()), nil, obs.Discard())

	if err := client.Ready(ctx); err != nil {
		log.Fatalf("service not ready: %v", err)
	}
	list, err := client.Roles(ctx, false)
	if err != nil {
		log.Fatalf("roles: %v", err)
	}

	before, err := client.GetRank(ctx, *user)
	if err != nil {
		log.Fatalf("get rank: %v", err)
	}
	res, err := client.Promote(ctx, *user)
	if err != nil {
		log.Fatalf("promote: %v", err)
	}
	if !res.Changed {
		log.Fatalf("promote did not move %s from rank %d; pick a member below the top assignable role", *user, before.Rank)
	}

	reverted, _, err := client.Undo(ctx)
	if err != nil {
		log.Fatalf("undo: %v", err)
	}
	after, err := client.GetRank(ctx, *user)
	if err != nil {
		log.Fatalf("get rank after undo: %v", err)
	}
	if after.Rank != before.Rank {
		log.Fatalf("undo left %s at rank %d, expected %d", *user, after.Rank, before.Rank)
	}

	fmt.Printf("rank-smoke passed: roles=%d user=%s %d->%d->%d (undid %s)\n",
		len(list), *user, before.Rank, res.NewRank, after.Rank, reverted.Type)
}
