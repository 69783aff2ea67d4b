package api

import (
	"cmp"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/psaab/dhcp6d/pkg/dhcp"
	"github.com/psaab/dhcp6d/pkg/dhcp6"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, Status(s.startTime, s.dhcp, s.relay, s.configText))
}

// Status summarizes the daemon. Any source may be nil.
func Status(start time.Time, d DHCPSource, r RelaySource, configText func() (string, []string)) StatusResponse {
	resp := StatusResponse{
		Uptime: time.Since(start).Truncate(time.Second).String(),
	}
	if d != nil {
		snaps := d.Snapshots()
		resp.ClientCount = len(snaps)
		for _, snap := range snaps {
			for _, l := range snap.Leases {
				if l.Leased {
					resp.LeasedCount++
				}
			}
		}
	}
	if r != nil {
		resp.RelayRunning = r.Running()
	}
	if configText != nil {
		_, warnings := configText()
		resp.ConfigWarning = len(warnings)
	}
	return resp
}

func (s *Server) dhcpSessionsHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, SessionInfos(s.dhcp))
}

// SessionInfos describes every client session of src. A nil src has none.
func SessionInfos(src DHCPSource) []DHCPSessionInfo {
	result := []DHCPSessionInfo{}
	if src == nil {
		return result
	}
	stats := src.ClientStats()
	for _, snap := range src.Snapshots() {
		info := DHCPSessionInfo{
			Interface: snap.Interface,
			State:     snap.State.String(),
			RenewAt:   formatTime(snap.T1),
			RebindAt:  formatTime(snap.T2),
			Stats:     stats[snap.Interface],
		}
		if len(snap.ServerID) > 0 {
			info.ServerID = dhcp6.FormatDUID(snap.ServerID)
		}
		result = append(result, info)
	}
	return result
}

func (s *Server) dhcpLeasesHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, LeaseInfos(s.dhcp))
}

// LeaseInfos lists the lease tables of src. A nil src has none.
func LeaseInfos(src DHCPSource) []DHCPLeaseInfo {
	if src == nil {
		return []DHCPLeaseInfo{}
	}
	return leaseInfos(src.Snapshots(), src.DelegatedPrefixes())
}

// leaseInfos flattens the session lease tables, adding the address each
// delegation installed downstream.
func leaseInfos(snaps []dhcp.Snapshot, pds []dhcp.DelegatedPrefix) []DHCPLeaseInfo {
	installed := make(map[string]string)
	for _, pd := range pds {
		installed[pd.Interface+"/"+pd.Downstream] = pd.Installed.String()
	}
	result := []DHCPLeaseInfo{}
	for _, snap := range snaps {
		for _, l := range snap.Leases {
			info := DHCPLeaseInfo{
				Interface:  snap.Interface,
				Downstream: l.Interface,
				IAID:       uint32(l.ID),
				Leased:     l.Leased,
			}
			if l.Leased {
				info.Prefix = l.Prefix.String()
				info.Installed = installed[snap.Interface+"/"+l.Interface]
				info.PreferredLifetime = l.PreferredLifetime
				info.ValidLifetime = l.ValidLifetime
				info.Obtained = formatTime(l.Obtained)
				info.Expires = formatTime(l.Expires())
			}
			result = append(result, info)
		}
	}
	slices.SortStableFunc(result, func(a, b DHCPLeaseInfo) int {
		return cmp.Or(cmp.Compare(a.Interface, b.Interface), cmp.Compare(a.Downstream, b.Downstream))
	})
	return result
}

func (s *Server) dhcpIdentifiersHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, Identifiers(s.dhcp))
}

// Identifiers lists the client DUIDs of src.
func Identifiers(src DHCPSource) []DUIDInfo {
	result := []DUIDInfo{}
	if src == nil {
		return result
	}
	for _, d := range src.DUIDs() {
		result = append(result, DUIDInfo{
			Interface: d.Interface,
			Type:      d.Type,
			Hex:       d.HexBytes,
			Display:   d.Display,
		})
	}
	return result
}

func (s *Server) relayStatsHandler(w http.ResponseWriter, _ *http.Request) {
	var resp RelayStatsResponse
	if s.relay != nil {
		resp.Running = s.relay.Running()
		resp.Stats = s.relay.Stats()
	}
	writeOK(w, resp)
}

func (s *Server) configHandler(w http.ResponseWriter, _ *http.Request) {
	if s.configText == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	text, warnings := s.configText()
	if warnings == nil {
		warnings = []string{}
	}
	writeOK(w, map[string]any{"config": text, "warnings": warnings})
}

func (s *Server) dhcpRenewHandler(w http.ResponseWriter, r *http.Request) {
	iface, ok := s.interfaceParam(w, r)
	if !ok {
		return
	}
	if err := s.dhcp.Renew(iface); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeOK(w, map[string]string{"renewed": iface})
}

func (s *Server) clearDHCPIdentifiersHandler(w http.ResponseWriter, r *http.Request) {
	iface, ok := s.interfaceParam(w, r)
	if !ok {
		return
	}
	if err := s.dhcp.ClearDUID(iface); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]string{"cleared": iface})
}

// interfaceParam reads the interface from a JSON body or the "interface"
// query parameter, writing the error response itself.
func (s *Server) interfaceParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.dhcp == nil {
		writeError(w, http.StatusServiceUnavailable, "DHCPv6 client not running")
		return "", false
	}
	iface := r.URL.Query().Get("interface")
	if iface == "" && r.Body != nil && r.ContentLength != 0 {
		var req InterfaceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return "", false
		}
		iface = req.Interface
	}
	if iface == "" {
		writeError(w, http.StatusBadRequest, "interface is required")
		return "", false
	}
	return iface, true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
