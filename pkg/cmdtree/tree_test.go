package cmdtree

import (
	"bytes"
	"strings"
	"testing"
)

func upstreams() []string { return []string{"wan0", "wan1"} }

func TestCompleteFromTree(t *testing.T) {
	tree := Tree(upstreams)
	tests := []struct {
		name    string
		words   []string
		partial string
		want    string
	}{
		{"top level", nil, "", "clear,exit,help,quit,request,show"},
		{"top prefix", nil, "s", "show"},
		{"show children", []string{"show"}, "", "configuration,dhcpv6,relay,status"},
		{"dhcpv6 prefix", []string{"show", "dhcpv6"}, "l", "leases"},
		{"dynamic values", []string{"request", "dhcpv6", "renew"}, "", "wan0,wan1"},
		{"dynamic prefix", []string{"clear", "dhcpv6", "client-identifier"}, "wan1", "wan1"},
		{"after dynamic value", []string{"request", "dhcpv6", "renew", "wan0"}, "", ""},
		{"unknown word", []string{"bogus"}, "", ""},
		{"leaf", []string{"show", "status"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(CompleteFromTree(tree, tt.words, tt.partial), ",")
			if got != tt.want {
				t.Errorf("CompleteFromTree(%v, %q) = %q, want %q", tt.words, tt.partial, got, tt.want)
			}
		})
	}
}

func TestCompleteNilDynamic(t *testing.T) {
	tree := Tree(nil)
	if got := CompleteFromTree(tree, []string{"request", "dhcpv6", "renew"}, ""); len(got) != 0 {
		t.Errorf("got %v", got)
	}
}

func TestResolve(t *testing.T) {
	tree := Tree(upstreams)
	tests := []struct {
		in      string
		want    string
		wantErr string
	}{
		{in: "show dhcpv6 leases", want: "show dhcpv6 leases"},
		{in: "sh dh le", want: "show dhcpv6 leases"},
		{in: "sh conf set", want: "show configuration set"},
		{in: "req dh ren wan0", want: "request dhcpv6 renew wan0"},
		{in: "cl dh cl", want: "clear dhcpv6 client-identifier"},
		{in: "e", want: "exit"},
		{in: "z", wantErr: "syntax error"},
		{in: "show dhcpv6 x", wantErr: "syntax error: x"},
		{in: "show r", want: "show relay"},
		{in: "show dhcpv6 s", want: "show dhcpv6 sessions"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Resolve(tree, strings.Fields(tt.in))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if s := strings.Join(got, " "); s != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.in, s, tt.want)
			}
		})
	}
}

func TestResolveAmbiguous(t *testing.T) {
	tree := Tree(upstreams)
	_, err := Resolve(tree, []string{"show", "dhcpv6", "i"})
	if err != nil {
		t.Fatalf("unique prefix: %v", err)
	}
	_, err = Resolve(map[string]*Node{"renew": {}, "rebind": {}}, []string{"re"})
	if err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("err = %v", err)
	}
}

func TestWriteHelp(t *testing.T) {
	var buf bytes.Buffer
	WriteHelp(&buf, HelpCandidates(Tree(nil)["show"].Children))
	out := buf.String()
	if !strings.HasPrefix(out, "Possible completions:\n") {
		t.Errorf("missing header:\n%s", out)
	}
	if strings.Index(out, "configuration") > strings.Index(out, "status") {
		t.Errorf("not sorted:\n%s", out)
	}
	if !strings.Contains(out, "Show delegated") && !strings.Contains(out, "Show DHCPv6 client information") {
		t.Errorf("missing description:\n%s", out)
	}
}

func TestCommonPrefix(t *testing.T) {
	tests := []struct {
		items []string
		want  string
	}{
		{nil, ""},
		{[]string{"sessions"}, "sessions"},
		{[]string{"renew", "rebind"}, "re"},
		{[]string{"show", "clear"}, ""},
	}
	for _, tt := range tests {
		if got := CommonPrefix(tt.items); got != tt.want {
			t.Errorf("CommonPrefix(%v) = %q, want %q", tt.items, got, tt.want)
		}
	}
}
