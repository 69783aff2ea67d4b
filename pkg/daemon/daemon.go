// Package daemon implements the dhcp6d daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/psaab/dhcp6d/pkg/api"
	"github.com/psaab/dhcp6d/pkg/config"
	"github.com/psaab/dhcp6d/pkg/configstore"
	"github.com/psaab/dhcp6d/pkg/dhcp"
	"github.com/psaab/dhcp6d/pkg/grpcapi"
	"github.com/psaab/dhcp6d/pkg/logging"
	"github.com/psaab/dhcp6d/pkg/relay"
)

// Options configures the daemon.
type Options struct {
	ConfigFile    string
	APIAddr       string // overrides system services http listen
	GRPCAddr      string // overrides system services grpc listen
	CleanupOnExit bool   // remove delegated addresses on shutdown
	Version       string
}

// Daemon is the main dhcp6d daemon.
type Daemon struct {
	opts  Options
	store *configstore.Store
	dhcp  *dhcp.Manager
	relay *relay.Manager
	logs  *logging.SyslogSlogHandler
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = config.DefaultPath
	}

	return &Daemon{
		opts:  opts,
		store: configstore.New(opts.ConfigFile),
		relay: relay.NewManager(),
	}
}

// Run starts the daemon and blocks until shutdown. SIGHUP reloads the
// configuration file.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting dhcp6d daemon",
		"config", d.opts.ConfigFile,
		"version", d.opts.Version,
		"pid", os.Getpid())

	cfg, err := d.store.Load()
	if err != nil {
		slog.Warn("failed to load config, starting with empty config",
			"err", err)
		if cfg, err = d.store.LoadText(""); err != nil {
			return err
		}
	} else {
		slog.Info("configuration loaded", "file", d.opts.ConfigFile)
	}
	logWarnings(cfg)

	// Forward everything logged from here on to the configured sinks.
	d.logs = logging.NewSyslogSlogHandler(slog.Default().Handler())
	slog.SetDefault(slog.New(d.logs))
	defer d.logs.Close()
	d.applyLogging(cfg)

	mgr, err := dhcp.New(cfg.System.StateDirectory, d.delegationsChanged)
	if err != nil {
		return fmt.Errorf("DHCPv6 manager: %w", err)
	}
	d.dhcp = mgr
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	d.applyClient(ctx, cfg)
	d.applyRelay(ctx, cfg)

	// WaitGroup for coordinated shutdown of the API servers
	var wg sync.WaitGroup

	services := cfg.System.Services
	if addr := listenAddr(d.opts.APIAddr, services.HTTPListen); addr != "" {
		srv := api.NewServer(api.Config{
			Addr:       addr,
			Auth:       api.AuthFromConfig(services.HTTPAuth),
			DHCP:       mgr,
			Relay:      d.relay,
			ConfigText: d.store.Text,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("HTTP API server failed", "err", err)
			}
		}()
	}
	if addr := listenAddr(d.opts.GRPCAddr, services.GRPCListen); addr != "" {
		srv := grpcapi.NewServer(addr, grpcapi.Config{
			DHCP:       mgr,
			Relay:      d.relay,
			ConfigText: d.store.Text,
			Version:    d.opts.Version,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("gRPC server failed", "err", err)
			}
		}()
	}

loop:
	for {
		select {
		case <-hup:
			d.reload(ctx)
		case <-ctx.Done():
			slog.Info("signal received, shutting down")
			break loop
		}
	}

	stop()
	wg.Wait()
	d.relay.Stop()
	if d.opts.CleanupOnExit {
		mgr.StopAll()
	} else {
		mgr.StopClients()
	}

	slog.Info("shutdown complete")
	return nil
}

// reload re-reads the configuration file and re-applies the sections that
// changed. A file that fails to load leaves everything running as it was.
func (d *Daemon) reload(ctx context.Context) {
	slog.Info("reloading configuration", "file", d.opts.ConfigFile)
	cfg, err := d.store.Load()
	if err != nil {
		slog.Warn("reload failed, keeping active configuration", "err", err)
		return
	}
	logWarnings(cfg)

	diff, err := d.store.ShowCompare(1)
	if err != nil {
		slog.Warn("reload: no previous configuration", "err", err)
		return
	}
	changes := splitDiff(diff)
	if len(changes) == 0 {
		slog.Info("configuration unchanged")
		return
	}
	for _, line := range changes {
		slog.Info("configuration change", "line", line)
	}

	if sectionChanged(changes, "system", "syslog") {
		d.applyLogging(cfg)
	}
	if sectionChanged(changes, "system", "state-directory") || sectionChanged(changes, "system", "services") {
		slog.Warn("state-directory and services changes take effect on restart")
	}
	if sectionChanged(changes, "dhcpv6-client") {
		slog.Info("DHCPv6: client configuration changed, restarting clients")
		d.dhcp.StopAll()
		d.dhcp.ClearRegistrations()
		d.applyClient(ctx, cfg)
	}
	if sectionChanged(changes, "dhcpv6-relay") {
		d.applyRelay(ctx, cfg)
	}
}

func (d *Daemon) applyLogging(cfg *config.Config) {
	sinks, err := logging.NewSinks(cfg.System.Syslog)
	if err != nil {
		slog.Warn("failed to open syslog destinations", "err", err)
		return
	}
	d.logs.SetSinks(sinks)
	if len(sinks) > 0 {
		slog.Info("syslog destinations configured", "count", len(sinks))
	}
}

func (d *Daemon) applyClient(ctx context.Context, cfg *config.Config) {
	d.dhcp.SetOptions(clientOptions(&cfg.Client))
	for _, ifc := range cfg.Client.Interfaces {
		d.dhcp.Configure(ifc.Name, registrations(ifc))
	}
	for _, name := range d.dhcp.Interfaces() {
		if err := d.dhcp.Start(ctx, name); err != nil {
			slog.Warn("DHCPv6: failed to start client", "interface", name, "err", err)
		}
	}
}

func (d *Daemon) applyRelay(ctx context.Context, cfg *config.Config) {
	if err := d.relay.Apply(ctx, cfg.Relay); err != nil {
		slog.Warn("dhcp6-relay: failed to apply config", "err", err)
	}
}

// delegationsChanged runs (debounced) after delegations change downstream
// addresses.
func (d *Daemon) delegationsChanged() {
	pds := d.dhcp.DelegatedPrefixes()
	slog.Info("DHCPv6: delegated prefixes changed", "count", len(pds))
	for _, pd := range pds {
		slog.Info("DHCPv6: delegated prefix",
			"upstream", pd.Interface,
			"downstream", pd.Downstream,
			"prefix", pd.Prefix,
			"address", pd.Installed,
			"valid", pd.ValidLifetime)
	}
}

// clientOptions overlays the configured timer overrides on the defaults.
func clientOptions(c *config.DHCPv6ClientConfig) dhcp.Options {
	t := dhcp.DefaultTimers()
	return dhcp.Options{
		Timers: dhcp.Timers{
			Solicit: c.Timers.Solicit.Apply(t.Solicit),
			Request: c.Timers.Request.Apply(t.Request),
			Renew:   c.Timers.Renew.Apply(t.Renew),
			Rebind:  c.Timers.Rebind.Apply(t.Rebind),
		},
		MaxLeases:  c.MaxLeases,
		BufferSize: c.BufferSize,
	}
}

func registrations(ifc *config.ClientInterfaceConfig) []dhcp.Registration {
	regs := make([]dhcp.Registration, 0, len(ifc.Delegations))
	for _, pd := range ifc.Delegations {
		regs = append(regs, dhcp.Registration{
			Downstream:      pd.Downstream,
			PrefixLength:    pd.PrefixLength,
			SubPrefixLength: pd.SubPrefixLength,
		})
	}
	return regs
}

// listenAddr prefers the command-line address over the configured one.
func listenAddr(flag, configured string) string {
	if flag != "" {
		return flag
	}
	return configured
}

// splitDiff returns the "+ set ..." / "- set ..." lines of a ShowCompare
// result without their markers.
func splitDiff(diff string) []string {
	var lines []string
	for _, line := range strings.Split(diff, "\n") {
		if rest, ok := strings.CutPrefix(line, "+ "); ok {
			lines = append(lines, rest)
		} else if rest, ok := strings.CutPrefix(line, "- "); ok {
			lines = append(lines, rest)
		}
	}
	return lines
}

// sectionChanged reports whether any changed set line lies under path.
func sectionChanged(changes []string, path ...string) bool {
	prefix := "set " + strings.Join(path, " ")
	for _, line := range changes {
		if line == prefix || strings.HasPrefix(line, prefix+" ") {
			return true
		}
	}
	return false
}

func logWarnings(cfg *config.Config) {
	for _, w := range cfg.Warnings {
		slog.Warn("config warning", "msg", w)
	}
}
