package logging

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psaab/dhcp6d/pkg/config"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"emergency", SyslogEmergency},
		{"critical", SyslogCritical},
		{"error", SyslogError},
		{"warning", SyslogWarning},
		{"notice", SyslogNotice},
		{"info", SyslogInfo},
		{"debug", SyslogDebug},
		{"any", -1},
		{"unknown", -1},
		{"", -1},
	}
	for _, tt := range tests {
		if got := ParseSeverity(tt.name); got != tt.want {
			t.Errorf("ParseSeverity(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestParseFacility(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"kern", FacilityKern},
		{"user", FacilityUser},
		{"daemon", FacilityDaemon},
		{"auth", FacilityAuth},
		{"syslog", FacilitySyslog},
		{"local0", FacilityLocal0},
		{"local3", FacilityLocal3},
		{"local7", FacilityLocal7},
		{"unknown", FacilityLocal0},
		{"", FacilityLocal0},
	}
	for _, tt := range tests {
		if got := ParseFacility(tt.name); got != tt.want {
			t.Errorf("ParseFacility(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestShouldSend(t *testing.T) {
	tests := []struct {
		min  int
		sev  int
		want bool
	}{
		{-1, SyslogDebug, true},
		{-1, SyslogError, true},
		{SyslogError, SyslogError, true},
		{SyslogError, SyslogWarning, false},
		{SyslogWarning, SyslogError, true},
		{SyslogWarning, SyslogInfo, false},
		{SyslogInfo, SyslogDebug, false},
		{SyslogDebug, SyslogDebug, true},
		{SyslogEmergency, SyslogEmergency, true},
	}
	for _, tt := range tests {
		c := &SyslogClient{MinSeverity: tt.min}
		if got := c.ShouldSend(tt.sev); got != tt.want {
			t.Errorf("min %d: ShouldSend(%d) = %v, want %v", tt.min, tt.sev, got, tt.want)
		}
	}
}

func listenUDP(t *testing.T) (net.PacketConn, int) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc, pc.LocalAddr().(*net.UDPAddr).Port
}

func readUDP(t *testing.T, pc net.PacketConn) string {
	t.Helper()
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf[:n])
}

func TestSyslogSendReceive(t *testing.T) {
	pc, port := listenUDP(t)
	client, err := NewSyslogClient("127.0.0.1", port)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Send(SyslogWarning, "test message"); err != nil {
		t.Fatal(err)
	}
	got := readUDP(t, pc)
	// Priority = facility*8 + severity = 16*8 + 4 = 132
	if !strings.HasPrefix(got, "<132>") {
		t.Errorf("unexpected priority prefix: %q", got)
	}
	if !strings.Contains(got, "dhcp6d: test message") {
		t.Errorf("message not found in %q", got)
	}
}

func TestSyslogFacilityInPriority(t *testing.T) {
	pc, port := listenUDP(t)
	client, err := NewSyslogClient("127.0.0.1", port)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.Facility = FacilityDaemon

	if err := client.Send(SyslogError, "error msg"); err != nil {
		t.Fatal(err)
	}
	// Priority = 3*8 + 3 = 27
	if got := readUDP(t, pc); !strings.HasPrefix(got, "<27>") {
		t.Errorf("unexpected priority for daemon+error: %q", got)
	}
}

func TestSlogHandlerForwards(t *testing.T) {
	pc, port := listenUDP(t)
	client, err := NewSyslogClient("127.0.0.1", port)
	if err != nil {
		t.Fatal(err)
	}
	client.MinSeverity = SyslogWarning

	var base strings.Builder
	h := NewSyslogSlogHandler(slog.NewTextHandler(&base, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.SetSinks([]Sink{client})
	defer h.Close()

	logger := slog.New(h).With("interface", "wan0").WithGroup("lease")
	logger.Info("DHCPv6: bound", "prefix", "2001:db8::/56")
	logger.Warn("DHCPv6: exchange exhausted", "exchange", "REBIND")

	got := readUDP(t, pc)
	if !strings.HasPrefix(got, "<132>") {
		t.Errorf("priority: %q", got)
	}
	want := "dhcp6d: DHCPv6: exchange exhausted interface=wan0 lease.exchange=REBIND"
	if !strings.Contains(got, want) {
		t.Errorf("got %q, want it to contain %q", got, want)
	}
	if !strings.Contains(base.String(), "DHCPv6: bound") {
		t.Errorf("base handler missed the info record: %q", base.String())
	}
}

func TestSlogHandlerSetSinksReachesDerived(t *testing.T) {
	h := NewSyslogSlogHandler(slog.NewTextHandler(&strings.Builder{}, nil))
	derived := h.WithAttrs([]slog.Attr{slog.String("component", "relay")})

	path := filepath.Join(t.TempDir(), "out.log")
	w, err := NewLocalLogWriter(LocalLogConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	h.SetSinks([]Sink{w})

	slog.New(derived).Info("dhcp6-relay: started")
	h.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[INFO] dhcp6-relay: started component=relay") {
		t.Errorf("log file = %q", data)
	}
}

func TestSlogLevelToSyslog(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  int
	}{
		{slog.LevelDebug, SyslogDebug},
		{slog.LevelInfo, SyslogInfo},
		{slog.LevelWarn, SyslogWarning},
		{slog.LevelError, SyslogError},
		{slog.LevelError + 4, SyslogError},
	}
	for _, tt := range tests {
		if got := slogLevelToSyslog(tt.level); got != tt.want {
			t.Errorf("slogLevelToSyslog(%s) = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestNewSinks(t *testing.T) {
	_, port := listenUDP(t)
	dir := t.TempDir()
	cfg := &config.SystemSyslogConfig{
		Hosts: []*config.SyslogHostConfig{
			{Address: "127.0.0.1", Port: port, Severity: "warning", Facility: "local3"},
		},
		Files: []*config.SyslogFileConfig{
			{Path: filepath.Join(dir, "sub", "dhcp6d.log"), Severity: "any"},
		},
	}
	sinks, err := NewSinks(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(sinks) != 2 {
		t.Fatalf("got %d sinks", len(sinks))
	}
	c, ok := sinks[0].(*SyslogClient)
	if !ok || c.Facility != FacilityLocal3 || c.MinSeverity != SyslogWarning {
		t.Errorf("syslog sink = %+v", sinks[0])
	}
	w, ok := sinks[1].(*LocalLogWriter)
	if !ok || !w.ShouldSend(SyslogDebug) {
		t.Errorf("file sink = %+v", sinks[1])
	}
	for _, s := range sinks {
		s.Close()
	}

	if sinks, err := NewSinks(nil); err != nil || sinks != nil {
		t.Errorf("NewSinks(nil) = %v, %v", sinks, err)
	}
}

func TestNewSinksClosesOnError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.SystemSyslogConfig{
		Files: []*config.SyslogFileConfig{
			{Path: filepath.Join(dir, "ok.log")},
			{Path: filepath.Join(blocker, "under-a-file.log")},
		},
	}
	if _, err := NewSinks(cfg); err == nil {
		t.Fatal("expected an error for a path below a regular file")
	}
}
