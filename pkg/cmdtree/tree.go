// Package cmdtree defines the dhcp6ctl command tree used for dispatch, tab
// completion and ? help.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Node defines a completion tree node with description, children, and
// optional dynamic values (interface names, fetched from the daemon).
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func() []string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

// Tree builds the operational command tree. upstreams lists the client
// interfaces for the commands that take one; it may be nil.
func Tree(upstreams func() []string) map[string]*Node {
	return map[string]*Node{
		"show": {Desc: "Show information", Children: map[string]*Node{
			"status": {Desc: "Show daemon status"},
			"configuration": {Desc: "Show active configuration", Children: map[string]*Node{
				"set": {Desc: "Show as flat set commands"},
			}},
			"dhcpv6": {Desc: "Show DHCPv6 client information", Children: map[string]*Node{
				"sessions":    {Desc: "Show client sessions and timers"},
				"leases":      {Desc: "Show delegated prefixes"},
				"identifiers": {Desc: "Show client DUIDs"},
			}},
			"relay": {Desc: "Show DHCPv6 relay information", Children: map[string]*Node{
				"statistics": {Desc: "Show relay counters"},
			}},
		}},
		"request": {Desc: "Make system-level requests", Children: map[string]*Node{
			"dhcpv6": {Desc: "DHCPv6 client requests", Children: map[string]*Node{
				"renew": {Desc: "Restart the exchange on an interface", DynamicFn: upstreams},
			}},
		}},
		"clear": {Desc: "Clear information", Children: map[string]*Node{
			"dhcpv6": {Desc: "Clear DHCPv6 client state", Children: map[string]*Node{
				"client-identifier": {Desc: "Remove persisted DUIDs (all, or one interface)", DynamicFn: upstreams},
			}},
		}},
		"help": {Desc: "Show command help"},
		"quit": {Desc: "Exit the CLI"},
		"exit": {Desc: "Exit the CLI"},
	}
}

// --- Helper functions ---

// KeysFromTree returns a sorted list of keys from a Node map.
func KeysFromTree(tree map[string]*Node) []string {
	keys := KeysOf(tree)
	sort.Strings(keys)
	return keys
}

// HelpCandidates returns Candidates from a tree's children for help display.
func HelpCandidates(tree map[string]*Node) []Candidate {
	candidates := make([]Candidate, 0, len(tree))
	for name, node := range tree {
		candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
	}
	return candidates
}

// Resolve expands unambiguous prefixes of the command words ("sh dh le" ->
// "show dhcpv6 leases"). Words after a node with dynamic values are passed
// through unchanged.
func Resolve(tree map[string]*Node, words []string) ([]string, error) {
	out := make([]string, 0, len(words))
	current := tree
	for i, w := range words {
		if current == nil {
			return append(out, words[i:]...), nil
		}
		name := w
		if _, ok := current[w]; !ok {
			matches := FilterPrefix(KeysFromTree(current), w)
			switch len(matches) {
			case 0:
				return nil, fmt.Errorf("syntax error: %s", w)
			case 1:
				name = matches[0]
			default:
				return nil, fmt.Errorf("'%s' is ambiguous: %s", w, strings.Join(matches, ", "))
			}
		}
		out = append(out, name)
		current = current[name].Children
	}
	return out, nil
}

// CompleteFromTree walks the tree to find completion candidates for the given words and partial.
func CompleteFromTree(tree map[string]*Node, words []string, partial string) []string {
	var names []string
	for _, c := range CompleteFromTreeWithDesc(tree, words, partial) {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// CompleteFromTreeWithDesc walks the tree returning name+description pairs.
func CompleteFromTreeWithDesc(tree map[string]*Node, words []string, partial string) []Candidate {
	current := tree
	var currentNode *Node
	dynamicConsumed := false
	for _, w := range words {
		dynamicConsumed = false
		node, ok := current[w]
		if !ok {
			// Word not in static children: if parent has DynamicFn,
			// treat as a dynamic value and stay at same children level.
			if currentNode != nil && currentNode.DynamicFn != nil {
				dynamicConsumed = true
				continue
			}
			return nil
		}
		currentNode = node
		current = node.Children
	}

	var candidates []Candidate
	for name, node := range current {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	if !dynamicConsumed && currentNode != nil && currentNode.DynamicFn != nil {
		for _, name := range currentNode.DynamicFn() {
			if strings.HasPrefix(name, partial) {
				candidates = append(candidates, Candidate{Name: name, Desc: "(interface)"})
			}
		}
	}
	return candidates
}

// WriteHelp prints aligned completion candidates to w.
// The entire output is built as a single string and written in one call
// so that readline's wrapWriter triggers only one Refresh cycle.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// CommonPrefix returns the longest shared prefix among the given strings.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}

// KeysOf returns an unsorted list of keys from a Node map.
func KeysOf(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// FilterPrefix returns only items that start with the given prefix.
func FilterPrefix(items []string, prefix string) []string {
	if prefix == "" {
		return items
	}
	var result []string
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			result = append(result, item)
		}
	}
	return result
}
