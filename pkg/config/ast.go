package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is one statement of the configuration tree: a leaf terminated by
// ';' or a block whose children are enclosed in braces.
type Node struct {
	// Keys are the words forming the statement, e.g.
	//   "system"                      -> ["system"]
	//   "interface wan0"              -> ["interface", "wan0"]
	//   "server 2001:db8::547"        -> ["server", "2001:db8::547"]
	Keys []string

	// Children are the statements inside the braces; nil for leaves.
	Children []*Node

	IsLeaf bool

	// Line/Column where this node starts (for error reporting).
	Line   int
	Column int
}

// Name returns the first key of the node.
func (n *Node) Name() string {
	if len(n.Keys) == 0 {
		return ""
	}
	return n.Keys[0]
}

// KeyPath returns the full key path as a single string.
func (n *Node) KeyPath() string {
	return strings.Join(n.Keys, " ")
}

// Args returns the keys after the name.
func (n *Node) Args() []string {
	if len(n.Keys) < 2 {
		return nil
	}
	return n.Keys[1:]
}

// FindChild returns the first child whose first key matches name.
func (n *Node) FindChild(name string) *Node {
	return findNode(n.Children, name)
}

// FindChildren returns all children whose first key matches name.
func (n *Node) FindChildren(name string) []*Node {
	var result []*Node
	for _, child := range n.Children {
		if child.Name() == name {
			result = append(result, child)
		}
	}
	return result
}

func (n *Node) position() string {
	return fmt.Sprintf("line %d", n.Line)
}

// ConfigTree is the root of a parsed configuration.
type ConfigTree struct {
	Children []*Node
}

// FindChild returns the first top-level child matching name.
func (t *ConfigTree) FindChild(name string) *Node {
	return findNode(t.Children, name)
}

func findNode(nodes []*Node, name string) *Node {
	for _, n := range nodes {
		if n.Name() == name {
			return n
		}
	}
	return nil
}

// Format renders the tree as hierarchical configuration text that parses
// back to the same tree.
func (t *ConfigTree) Format() string {
	var b strings.Builder
	formatNodes(&b, t.Children, 0)
	return b.String()
}

func formatNodes(b *strings.Builder, nodes []*Node, indent int) {
	prefix := strings.Repeat("    ", indent)
	for _, n := range nodes {
		if n.IsLeaf {
			fmt.Fprintf(b, "%s%s;\n", prefix, quoteKeys(n.Keys))
			continue
		}
		fmt.Fprintf(b, "%s%s {\n", prefix, quoteKeys(n.Keys))
		formatNodes(b, n.Children, indent+1)
		fmt.Fprintf(b, "%s}\n", prefix)
	}
}

// FormatSet renders the tree as flat "set" commands.
func (t *ConfigTree) FormatSet() string {
	var b strings.Builder
	formatSetNodes(&b, t.Children, nil)
	return b.String()
}

func formatSetNodes(b *strings.Builder, nodes []*Node, prefix []string) {
	for _, n := range nodes {
		path := append(append([]string(nil), prefix...), n.Keys...)
		if n.IsLeaf || len(n.Children) == 0 {
			fmt.Fprintf(b, "set %s\n", quoteKeys(path))
			continue
		}
		formatSetNodes(b, n.Children, path)
	}
}

func quoteKeys(keys []string) string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = quoteKey(k)
	}
	return strings.Join(out, " ")
}

func quoteKey(k string) string {
	if k == "" {
		return `""`
	}
	for i := 0; i < len(k); i++ {
		if !isIdentChar(k[i]) {
			return strconv.Quote(k)
		}
	}
	return k
}
