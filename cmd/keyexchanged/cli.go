package main

import (
	"fmt"
	"os"

	"keyexchange/server/internal/blacklist"
	"keyexchange/server/internal/channel"
	"keyexchange/server/internal/config"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, meaning main should not go on to start the server.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "blacklist":
		return cliBlacklist(args[1:])
	case "health":
		return cliHealth()
	default:
		return false
	}
}

func loadCLIConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func cliBlacklist(args []string) bool {
	cfg := loadCLIConfig()
	store := buildStore(cfg)
	bl := blacklist.New(store)
	if err := bl.Update(); err != nil {
		fmt.Fprintf(os.Stderr, "error reading blacklist: %v\n", err)
		os.Exit(1)
	}

	if len(args) == 0 || args[0] == "list" {
		ips := bl.Snapshot()
		if len(ips) == 0 {
			fmt.Println("No ips currently blacklisted.")
			return true
		}
		for _, ip := range ips {
			fmt.Println(ip)
		}
		return true
	}

	if args[0] == "remove" && len(args) > 1 {
		bl.Remove(args[1])
		if err := bl.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "error saving blacklist: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed %s from the blacklist.\n", args[1])
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: keyexchanged blacklist [list|remove <ip>]\n")
	os.Exit(1)
	return true
}

func cliHealth() bool {
	cfg := loadCLIConfig()
	store := buildStore(cfg)
	svc := channel.New(store, channel.Config{CIDLen: cfg.CIDLen, TTL: cfg.TTL, MaxGets: cfg.MaxGets}, nil, nil)

	if err := svc.HealthCheck(); err != nil {
		fmt.Fprintf(os.Stderr, "unhealthy: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
	return true
}
