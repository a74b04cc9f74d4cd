// Command brickd bridges Tinkerforge brick stacks on USB to the binary
// frame protocol over TCP, the same role
// original_source/src/brickd/brickd_linux.py fills for the Python daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"brickd/internal/config"
	"brickd/internal/daemonize"
	"brickd/internal/supervisor"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	showVersion = flag.Bool("version", false, "print version and exit")
	noDaemon    = flag.Bool("no-daemon", false, "run in the foreground instead of backgrounding")
	httpAddr    = flag.String("status-addr", "", "address for the read-only status API (empty disables it)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("brickd", version)
		os.Exit(0)
	}

	// original_source/src/brickd/brickd_linux.py accepts a bare "nodaemon"
	// token alongside "--no-daemon"; keep that positional form working too.
	foreground := *noDaemon
	for _, arg := range flag.Args() {
		if arg == "nodaemon" {
			foreground = true
		}
	}

	cfg := config.Load(*httpAddr, foreground)

	if !cfg.NoDaemon {
		if err := daemonize.Daemonize(cfg.LogFile); err != nil {
			log.Fatalf("brickd: %v", err)
		}
	}

	pidFile, err := daemonize.Acquire(cfg.PIDFile)
	if err != nil {
		log.Fatalf("brickd: %v", err)
	}
	defer pidFile.Release(cfg.PIDFile)

	log.Printf("brickd: starting version %s, listening on %s", version, cfg.Addr())

	sup := supervisor.New(cfg.Addr(), cfg.HTTPAddr, version)
	if err := sup.Run(context.Background()); err != nil {
		log.Printf("brickd: server stopped: %v", err)
		os.Exit(1)
	}
}
