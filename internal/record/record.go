// Package record defines the document and graph-node data model of spec.md
// §3: the shapes read from the external input record stream and edge list,
// plus the canonicalization rules every producer and consumer must agree on.
package record

import "strings"

// Document is one input record: `{id, text, out_links}` (spec.md §3, §6).
type Document struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	OutLinks []string `json:"out_links"`
}

// CanonicalID trims whitespace and replaces each internal run of whitespace
// with a single underscore, per spec.md §3. Every producer and consumer of ids — mapper,
// reducer, graph loader, exporter — must canonicalize identically.
func CanonicalID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Join(strings.Fields(id), "_")
}

// Normalize canonicalizes the document's own id and out-link ids, and drops
// self-loops, per spec.md §3.
func (d *Document) Normalize() {
	d.ID = CanonicalID(d.ID)
	var out = make([]string, 0, len(d.OutLinks))
	for _, l := range d.OutLinks {
		if l = CanonicalID(l); l != "" && l != d.ID {
			out = append(out, l)
		}
	}
	d.OutLinks = out
}

// Node is a graph node: `{id, out_links, out_degree}` (spec.md §3).
type Node struct {
	ID        string
	OutLinks  []string
	OutDegree int
}

// Dangling reports whether the node has no out-links.
func (n Node) Dangling() bool {
	return n.OutDegree == 0
}
