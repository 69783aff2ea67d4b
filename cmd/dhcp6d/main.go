// dhcp6d is the DHCPv6 prefix delegation client and relay daemon.
//
// It requests delegated prefixes on upstream interfaces, installs an
// address from each on its downstream interface, and relays DHCPv6
// between client links and servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/dhcp6d/pkg/config"
	"github.com/psaab/dhcp6d/pkg/daemon"
)

var version = "dev"

func main() {
	configFile := flag.String("config", config.DefaultPath, "configuration file path")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides system services http)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC API listen address (overrides system services grpc)")
	cleanup := flag.Bool("cleanup-on-exit", false, "remove delegated addresses on shutdown")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dhcp6d", version)
		return
	}

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	d := daemon.New(daemon.Options{
		ConfigFile:    *configFile,
		APIAddr:       *apiAddr,
		GRPCAddr:      *grpcAddr,
		CleanupOnExit: *cleanup,
		Version:       version,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "dhcp6d: %v\n", err)
		os.Exit(1)
	}
}
