package main

import (
	"flag"
	"fmt"
	"os"

	"proctord/internal/config"
)

func cmdConfig(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: proctord config <show|init|path>")
		os.Exit(1)
	}

	switch args[0] {
	case "show":
		fs := flag.NewFlagSet("config show", flag.ExitOnError)
		format := fs.String("format", "toml", "output format: toml, json or yaml")
		fs.Parse(args[1:])

		data, err := config.Encode(loadConfig(), "."+*format)
		if err != nil {
			fatalf("Error: %v", err)
		}
		os.Stdout.Write(data)

	case "init":
		path := configFile()
		cfg, created, err := config.LoadOrCreate(path)
		if err != nil {
			fatalf("Error: %v", err)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			fatalf("Error: %v", err)
		}
		if created {
			fmt.Printf("Created %s\n", path)
		} else {
			fmt.Printf("Config already exists at %s\n", path)
		}
		fmt.Printf("Data directory: %s\n", cfg.DataDir)
		if cfg.ValidateIdentity() != nil {
			fmt.Println()
			fmt.Println("Set identity.user_id and identity.exam_id before 'proctord run',")
			fmt.Println("or pass --user and --exam.")
		}

	case "path":
		path := configFile()
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("%s (not created)\n", path)
			return
		}
		fmt.Println(path)

	default:
		fmt.Fprintf(os.Stderr, "Unknown action: %s\n", args[0])
		os.Exit(1)
	}
}
