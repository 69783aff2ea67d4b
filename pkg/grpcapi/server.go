// Package grpcapi implements the gRPC control service for dhcp6d.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/psaab/dhcp6d/pkg/api"
)

// Config configures the gRPC server.
type Config struct {
	DHCP       api.DHCPSource
	Relay      api.RelaySource
	ConfigText func() (string, []string) // active configuration and warnings
	Version    string
}

// Server implements the Dhcp6dService gRPC service.
type Server struct {
	dhcp       api.DHCPSource
	relay      api.RelaySource
	configText func() (string, []string)
	startTime  time.Time
	addr       string
	version    string
}

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		dhcp:       cfg.DHCP,
		relay:      cfg.Relay,
		configText: cfg.ConfigText,
		startTime:  time.Now(),
		addr:       addr,
		version:    cfg.Version,
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve handles RPCs on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	RegisterDhcp6dServiceServer(srv, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.GracefulStop()
	return nil
}

// --- Operational show RPCs ---

func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := api.Status(s.startTime, s.dhcp, s.relay, s.configText)
	out := new(structpb.Struct)
	if err := convert(st, out); err != nil {
		return nil, err
	}
	out.Fields["version"] = structpb.NewStringValue(s.version)
	return out, nil
}

func (s *Server) GetSessions(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	return out, convert(api.SessionInfos(s.dhcp), out)
}

func (s *Server) GetLeases(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	return out, convert(api.LeaseInfos(s.dhcp), out)
}

func (s *Server) GetDHCPClientIdentifiers(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	return out, convert(api.Identifiers(s.dhcp), out)
}

func (s *Server) GetRelayStats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	var resp api.RelayStatsResponse
	if s.relay != nil {
		resp.Running = s.relay.Running()
		resp.Stats = s.relay.Stats()
	}
	out := new(structpb.Struct)
	return out, convert(resp, out)
}

func (s *Server) ShowConfig(_ context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	if s.configText == nil {
		return nil, status.Error(codes.FailedPrecondition, "no configuration loaded")
	}
	text, _ := s.configText()
	return wrapperspb.String(text), nil
}

func (s *Server) ShowText(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	var buf strings.Builder

	switch req.GetValue() {
	case "status":
		st := api.Status(s.startTime, s.dhcp, s.relay, s.configText)
		fmt.Fprintf(&buf, "Version:         %s\n", s.version)
		fmt.Fprintf(&buf, "Uptime:          %s\n", st.Uptime)
		fmt.Fprintf(&buf, "DHCPv6 clients:  %d\n", st.ClientCount)
		fmt.Fprintf(&buf, "Leased prefixes: %d\n", st.LeasedCount)
		fmt.Fprintf(&buf, "Relay:           %s\n", runningStr(st.RelayRunning))
		if st.ConfigWarning > 0 {
			fmt.Fprintf(&buf, "Config warnings: %d\n", st.ConfigWarning)
		}

	case "sessions":
		sessions := api.SessionInfos(s.dhcp)
		if len(sessions) == 0 {
			buf.WriteString("No DHCPv6 clients running\n")
			break
		}
		fmt.Fprintf(&buf, "%-12s %-11s %-22s %-22s %s\n", "Interface", "State", "Renew", "Rebind", "Server")
		for _, si := range sessions {
			fmt.Fprintf(&buf, "%-12s %-11s %-22s %-22s %s\n",
				si.Interface, si.State, dash(si.RenewAt), dash(si.RebindAt), dash(si.ServerID))
		}

	case "leases":
		leases := api.LeaseInfos(s.dhcp)
		if len(leases) == 0 {
			buf.WriteString("No delegated prefixes requested\n")
			break
		}
		fmt.Fprintf(&buf, "%-12s %-12s %-10s %-26s %-26s %s\n",
			"Upstream", "Downstream", "IAID", "Prefix", "Installed", "Expires")
		for _, l := range leases {
			prefix := "-"
			if l.Leased {
				prefix = l.Prefix
			}
			fmt.Fprintf(&buf, "%-12s %-12s %#08x %-26s %-26s %s\n",
				l.Interface, l.Downstream, l.IAID, prefix, dash(l.Installed), dash(l.Expires))
		}

	case "identifiers":
		ids := api.Identifiers(s.dhcp)
		if len(ids) == 0 {
			buf.WriteString("No DHCPv6 client identifiers\n")
			break
		}
		for _, d := range ids {
			fmt.Fprintf(&buf, "Interface: %s\n", d.Interface)
			fmt.Fprintf(&buf, "  Type:    %s\n", d.Type)
			fmt.Fprintf(&buf, "  DUID:    %s\n", d.Display)
		}

	case "relay":
		if s.relay == nil || !s.relay.Running() {
			buf.WriteString("DHCPv6 relay not running\n")
			break
		}
		st := s.relay.Stats()
		fmt.Fprintf(&buf, "Forwarded:          %d\n", st.Forwarded)
		fmt.Fprintf(&buf, "Delivered:          %d\n", st.Delivered)
		fmt.Fprintf(&buf, "Send errors:        %d\n", st.SendErrors)
		buf.WriteString("Dropped:\n")
		fmt.Fprintf(&buf, "  Malformed:        %d\n", st.DroppedMalformed)
		fmt.Fprintf(&buf, "  Hop limit:        %d\n", st.DroppedHopLimit)
		fmt.Fprintf(&buf, "  Missing option:   %d\n", st.DroppedMissingOption)
		fmt.Fprintf(&buf, "  Unspecified peer: %d\n", st.DroppedUnspecified)
		fmt.Fprintf(&buf, "  Unsupported:      %d\n", st.DroppedUnsupported)
		fmt.Fprintf(&buf, "  Unknown link:     %d\n", st.DroppedUnknownLink)

	case "config":
		if s.configText == nil {
			buf.WriteString("No configuration loaded\n")
			break
		}
		text, warnings := s.configText()
		buf.WriteString(text)
		for _, w := range warnings {
			fmt.Fprintf(&buf, "## warning: %s\n", w)
		}

	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown show topic %q", req.GetValue())
	}

	return wrapperspb.String(buf.String()), nil
}

// --- Operational request RPCs ---

func (s *Server) Renew(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	iface := req.GetValue()
	if iface == "" {
		return nil, status.Error(codes.InvalidArgument, "interface is required")
	}
	if s.dhcp == nil {
		return nil, status.Error(codes.FailedPrecondition, "DHCPv6 client not running")
	}
	if err := s.dhcp.Renew(iface); err != nil {
		return nil, status.Errorf(codes.NotFound, "%v", err)
	}
	return wrapperspb.String(fmt.Sprintf("DHCPv6 renew started on %s", iface)), nil
}

func (s *Server) ClearDHCPClientIdentifier(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if s.dhcp == nil {
		return wrapperspb.String("No DHCP clients running"), nil
	}

	if iface := req.GetValue(); iface != "" {
		if err := s.dhcp.ClearDUID(iface); err != nil {
			return nil, fmt.Errorf("clear DUID: %w", err)
		}
		return wrapperspb.String(fmt.Sprintf("DHCPv6 DUID cleared for %s", iface)), nil
	}

	for _, d := range s.dhcp.DUIDs() {
		if err := s.dhcp.ClearDUID(d.Interface); err != nil {
			return nil, fmt.Errorf("clear DUID %s: %w", d.Interface, err)
		}
	}
	return wrapperspb.String("All DHCPv6 DUIDs cleared"), nil
}

// convert fills a structpb message from the JSON form of v.
func convert(v any, out proto.Message) error {
	b, err := json.Marshal(v)
	if err != nil {
		return status.Errorf(codes.Internal, "encode: %v", err)
	}
	if err := protojson.Unmarshal(b, out); err != nil {
		return status.Errorf(codes.Internal, "convert: %v", err)
	}
	return nil
}

func runningStr(b bool) string {
	if b {
		return "running"
	}
	return "stopped"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
