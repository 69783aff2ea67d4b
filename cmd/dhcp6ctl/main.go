// dhcp6ctl is the remote CLI client for dhcp6d.
//
// It connects to the dhcp6d gRPC API and runs one command given on the
// command line, or an interactive shell with tab completion and ? help.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/psaab/dhcp6d/pkg/cmdtree"
	"github.com/psaab/dhcp6d/pkg/config"
	"github.com/psaab/dhcp6d/pkg/grpcapi"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "dhcp6d gRPC address")
	format := flag.String("format", "text", "output format: text, json or yaml")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	flag.Parse()

	if *format != "text" && *format != "json" && *format != "yaml" {
		fmt.Fprintf(os.Stderr, "dhcp6ctl: unknown format %q\n", *format)
		os.Exit(2)
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dhcp6ctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	c := newCtl(grpcapi.NewClient(conn), os.Stdout)
	c.format = *format
	c.timeout = *timeout

	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	st, err := c.client.GetStatus(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dhcp6ctl: cannot reach dhcp6d at %s: %v\n", *addr, err)
		os.Exit(1)
	}
	if err := c.interactive(st); err != nil {
		fmt.Fprintf(os.Stderr, "dhcp6ctl: %v\n", err)
		os.Exit(1)
	}
}

var errExit = errors.New("exit")

type ctl struct {
	client  *grpcapi.Client
	tree    map[string]*cmdtree.Node
	out     io.Writer
	format  string
	timeout time.Duration
}

func newCtl(client *grpcapi.Client, out io.Writer) *ctl {
	c := &ctl{client: client, out: out, format: "text", timeout: 5 * time.Second}
	c.tree = cmdtree.Tree(c.upstreams)
	return c
}

func (c *ctl) interactive(st *structpb.Struct) error {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "dhcp6d"
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "remote"
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s@%s> ", username, hostname),
		HistoryFile:     "/tmp/dhcp6ctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &completer{ctl: c},
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	version := st.GetFields()["version"].GetStringValue()
	uptime := st.GetFields()["uptime"].GetStringValue()
	fmt.Fprintf(c.out, "dhcp6ctl: connected to dhcp6d %s (uptime: %s)\n", version, uptime)
	fmt.Fprintln(c.out, "Type '?' for help")
	fmt.Fprintln(c.out)

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
		}
	}
}

func (c *ctl) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *ctl) dispatch(line string) error {
	if prefix, ok := strings.CutSuffix(line, "?"); ok {
		c.showContextHelp(prefix)
		return nil
	}

	words, err := cmdtree.Resolve(c.tree, strings.Fields(line))
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return nil
	}

	switch words[0] {
	case "show":
		return c.handleShow(words[1:])
	case "request":
		return c.handleRequest(words[1:])
	case "clear":
		return c.handleClear(words[1:])
	case "help":
		cmdtree.WriteHelp(c.out, cmdtree.HelpCandidates(c.tree))
		return nil
	case "quit", "exit":
		return errExit
	}
	return fmt.Errorf("unknown command: %s", words[0])
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		c.treeHelp("show: specify what to show", "show")
		return nil
	}

	ctx, cancel := c.ctx()
	defer cancel()

	switch args[0] {
	case "status":
		return c.render(ctx, "status", func() (any, error) {
			st, err := c.client.GetStatus(ctx)
			return st.AsMap(), err
		})

	case "configuration":
		text, err := c.client.ShowConfig(ctx)
		if err != nil {
			return err
		}
		if len(args) > 1 && args[1] == "set" {
			tree, errs := config.NewParser(text).Parse()
			if len(errs) > 0 {
				return fmt.Errorf("parse configuration: %w", errors.Join(errs...))
			}
			text = tree.FormatSet()
		}
		fmt.Fprint(c.out, text)
		return nil

	case "dhcpv6":
		if len(args) < 2 {
			c.treeHelp("show dhcpv6:", "show", "dhcpv6")
			return nil
		}
		switch args[1] {
		case "sessions":
			return c.render(ctx, "sessions", func() (any, error) {
				l, err := c.client.GetSessions(ctx)
				return l.AsSlice(), err
			})
		case "leases":
			return c.render(ctx, "leases", func() (any, error) {
				l, err := c.client.GetLeases(ctx)
				return l.AsSlice(), err
			})
		case "identifiers":
			return c.render(ctx, "identifiers", func() (any, error) {
				l, err := c.client.GetDHCPClientIdentifiers(ctx)
				return l.AsSlice(), err
			})
		}

	case "relay":
		return c.render(ctx, "relay", func() (any, error) {
			st, err := c.client.GetRelayStats(ctx)
			return st.AsMap(), err
		})
	}
	return fmt.Errorf("unknown show target: %s", strings.Join(args, " "))
}

// render prints the daemon's text rendering of topic, or the structured
// value from fetch in json/yaml format.
func (c *ctl) render(ctx context.Context, topic string, fetch func() (any, error)) error {
	if c.format == "text" {
		text, err := c.client.ShowText(ctx, topic)
		if err != nil {
			return err
		}
		fmt.Fprint(c.out, text)
		return nil
	}
	v, err := fetch()
	if err != nil {
		return err
	}
	return writeValue(c.out, c.format, v)
}

func writeValue(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	case "yaml":
		b, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}
	return fmt.Errorf("unknown format %q", format)
}

func (c *ctl) handleRequest(args []string) error {
	if len(args) < 2 || args[0] != "dhcpv6" || args[1] != "renew" {
		c.treeHelp("request:", "request", "dhcpv6")
		return nil
	}
	if len(args) != 3 {
		return fmt.Errorf("usage: request dhcpv6 renew <interface>")
	}
	ctx, cancel := c.ctx()
	defer cancel()
	msg, err := c.client.Renew(ctx, args[2])
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, msg)
	return nil
}

func (c *ctl) handleClear(args []string) error {
	if len(args) < 2 || args[0] != "dhcpv6" || args[1] != "client-identifier" {
		c.treeHelp("clear:", "clear", "dhcpv6")
		return nil
	}
	var iface string
	if len(args) > 2 {
		iface = args[2]
	}
	ctx, cancel := c.ctx()
	defer cancel()
	msg, err := c.client.ClearDHCPClientIdentifier(ctx, iface)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, msg)
	return nil
}

// upstreams lists the interfaces running a client, for completion.
func (c *ctl) upstreams() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sessions, err := c.client.GetSessions(ctx)
	if err != nil {
		return nil
	}
	var names []string
	for _, v := range sessions.GetValues() {
		if name := v.GetStructValue().GetFields()["interface"].GetStringValue(); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// --- Tab completion ---

type completer struct {
	ctl *ctl
}

func (rc *completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])

	words := strings.Fields(text)
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '
	var partial string
	if !trailingSpace && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}

	resolved, err := cmdtree.Resolve(rc.ctl.tree, words)
	if err != nil {
		return nil, 0
	}
	candidates := cmdtree.CompleteFromTree(rc.ctl.tree, resolved, partial)

	var result [][]rune
	for _, cand := range candidates {
		result = append(result, []rune(cand[len(partial):]+" "))
	}
	return result, len(partial)
}

// --- Context help ---

func (c *ctl) showContextHelp(prefix string) {
	words := strings.Fields(prefix)
	var partial string
	if prefix != "" && !strings.HasSuffix(prefix, " ") && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	resolved, err := cmdtree.Resolve(c.tree, words)
	if err != nil {
		fmt.Fprintf(c.out, "  %v\n", err)
		return
	}
	candidates := cmdtree.CompleteFromTreeWithDesc(c.tree, resolved, partial)
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "  <[Enter]>  Execute this command")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}

func (c *ctl) treeHelp(header string, path ...string) {
	fmt.Fprintln(c.out, header)
	current := c.tree
	for _, p := range path {
		node, ok := current[p]
		if !ok || node.Children == nil {
			break
		}
		current = node.Children
	}
	cmdtree.WriteHelp(c.out, cmdtree.HelpCandidates(current))
}
