// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import "github.com/psaab/dhcp6d/pkg/relay"

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime        string `json:"uptime"`
	ClientCount   int    `json:"client_count"`
	LeasedCount   int    `json:"leased_count"`
	RelayRunning  bool   `json:"relay_running"`
	ConfigWarning int    `json:"config_warnings"`
}

// DHCPSessionInfo is one client session.
type DHCPSessionInfo struct {
	Interface string `json:"interface"`
	State     string `json:"state"`
	ServerID  string `json:"server_id,omitempty"`
	RenewAt   string `json:"renew_at,omitempty"`
	RebindAt  string `json:"rebind_at,omitempty"`
	Stats     any    `json:"stats"`
}

// DHCPLeaseInfo is one slot of a session's lease table.
type DHCPLeaseInfo struct {
	Interface         string `json:"interface"`
	Downstream        string `json:"downstream"`
	IAID              uint32 `json:"iaid"`
	Leased            bool   `json:"leased"`
	Prefix            string `json:"prefix,omitempty"`
	Installed         string `json:"installed,omitempty"`
	PreferredLifetime uint32 `json:"preferred_lifetime,omitempty"`
	ValidLifetime     uint32 `json:"valid_lifetime,omitempty"`
	Obtained          string `json:"obtained,omitempty"`
	Expires           string `json:"expires,omitempty"`
}

// DUIDInfo describes a client identifier.
type DUIDInfo struct {
	Interface string `json:"interface"`
	Type      string `json:"type"`
	Hex       string `json:"hex"`
	Display   string `json:"display"`
}

// RelayStatsResponse holds the relay state and counters.
type RelayStatsResponse struct {
	Running bool                `json:"running"`
	Stats   relay.StatsSnapshot `json:"stats"`
}

// InterfaceRequest names an upstream interface in POST bodies.
type InterfaceRequest struct {
	Interface string `json:"interface"`
}
