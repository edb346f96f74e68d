// proctord - Exam session integrity monitor
//
//	proctord run --script s.jsonl   Drive one attempt from a signal script
//	proctord backend                Run the reference receiving backend
//	proctord attempts <action>      List, show or clear recorded attempts
//	proctord config <action>        Show or initialize the configuration
//	proctord version                Print the version
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"proctord/internal/config"
	"proctord/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "run":
		cmdRun(args)
	case "backend":
		cmdBackend(args)
	case "attempts":
		cmdAttempts(args)
	case "config":
		cmdConfig(args)
	case "version":
		fmt.Printf("proctord %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `proctord - Exam session integrity monitor

USAGE:
    proctord [-config <path>] <command> [options]

COMMANDS:
    run --script <file>     Drive one attempt from a JSONL signal script
    backend                 Run the reference backend (start/violation/submit)
    attempts list           List archived attempts (-backend for the server db)
    attempts show <id>      Print an archived attempt
    attempts stats          Show backend row counts and integrity
    attempts clear          Remove archives and the stored identity
    config show             Print the effective configuration
    config init             Write the default configuration file
    config path             Print the configuration file in use
    version                 Print the version
    help                    Show this help message

EXAMPLES:
    proctord config init
    proctord backend &
    proctord run --user u1 --exam e1 --script testdata/session.jsonl
    proctord attempts list -backend

OPTIONS:
    -config <path>  Config file (default: first config.{toml,json,yaml} found
                    in ., the config directory, then the data directory)`)
}

// configFile resolves the configuration file used by every command.
func configFile() string {
	if *configPath != "" {
		return *configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configFile())
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	return cfg
}

// newLogger builds the process logger from the logging section. The
// returned close function flushes the log file, if any.
func newLogger(cfg *config.Config, component string) (*slog.Logger, func()) {
	lc, err := cfg.Logging.LoggerConfig()
	if err != nil {
		fatalf("Error in logging config: %v", err)
	}
	lc.Component = component

	l, closer, err := logging.New(lc)
	if err != nil {
		fatalf("Error creating logger: %v", err)
	}
	slog.SetDefault(l)
	return l, func() { closer.Close() }
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
