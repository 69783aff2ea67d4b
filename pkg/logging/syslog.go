// Package logging forwards dhcp6d's slog records to remote syslog hosts
// and local log files.
package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Syslog severity levels (RFC 5424).
const (
	SyslogEmergency = 0
	SyslogAlert     = 1
	SyslogCritical  = 2
	SyslogError     = 3
	SyslogWarning   = 4
	SyslogNotice    = 5
	SyslogInfo      = 6
	SyslogDebug     = 7
)

// Syslog facilities.
const (
	FacilityKern   = 0
	FacilityUser   = 1
	FacilityDaemon = 3
	FacilityAuth   = 4
	FacilitySyslog = 5
	FacilityLocal0 = 16
	FacilityLocal1 = 17
	FacilityLocal2 = 18
	FacilityLocal3 = 19
	FacilityLocal4 = 20
	FacilityLocal5 = 21
	FacilityLocal6 = 22
	FacilityLocal7 = 23
)

const tag = "dhcp6d"

// SyslogClient sends UDP syslog messages (RFC 3164).
type SyslogClient struct {
	conn        net.Conn
	hostname    string
	Facility    int
	MinSeverity int // -1 = no filter, else the least urgent severity sent
}

// NewSyslogClient creates a new UDP syslog client connected to host:port.
func NewSyslogClient(host string, port int) (*SyslogClient, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = tag
	}
	return &SyslogClient{
		conn:        conn,
		hostname:    hostname,
		Facility:    FacilityLocal0,
		MinSeverity: -1,
	}, nil
}

// Send sends a syslog message with the given severity.
func (s *SyslogClient) Send(severity int, msg string) error {
	priority := s.Facility*8 + severity
	ts := time.Now().Format(time.Stamp) // "Jan _2 15:04:05"
	line := fmt.Sprintf("<%d>%s %s %s: %s", priority, ts, s.hostname, tag, msg)
	_, err := s.conn.Write([]byte(line))
	return err
}

// ShouldSend returns true if the severity passes this client's filter.
// Lower severity number = more urgent.
func (s *SyslogClient) ShouldSend(severity int) bool {
	return passes(s.MinSeverity, severity)
}

// Close closes the underlying connection.
func (s *SyslogClient) Close() error {
	return s.conn.Close()
}

func passes(min, severity int) bool {
	return min < 0 || severity <= min
}

// ParseSeverity converts a severity name to its numeric value. "any" and
// unrecognized names return -1 (no filter).
func ParseSeverity(name string) int {
	switch name {
	case "emergency":
		return SyslogEmergency
	case "alert":
		return SyslogAlert
	case "critical":
		return SyslogCritical
	case "error":
		return SyslogError
	case "warning":
		return SyslogWarning
	case "notice":
		return SyslogNotice
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	}
	return -1
}

// ParseFacility converts a facility name to its numeric value, defaulting
// to local0.
func ParseFacility(name string) int {
	switch name {
	case "kern":
		return FacilityKern
	case "user":
		return FacilityUser
	case "daemon":
		return FacilityDaemon
	case "auth":
		return FacilityAuth
	case "syslog":
		return FacilitySyslog
	case "local1":
		return FacilityLocal1
	case "local2":
		return FacilityLocal2
	case "local3":
		return FacilityLocal3
	case "local4":
		return FacilityLocal4
	case "local5":
		return FacilityLocal5
	case "local6":
		return FacilityLocal6
	case "local7":
		return FacilityLocal7
	}
	return FacilityLocal0
}
