/*
 * Copyright 2024 National Library of Norway.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *       http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package tree assembles resolved causal links into the redirection tree of
// one session and answers structural queries over it.
//
// Nodes live in a single append-only slice inside Tree, in insertion order,
// and refer to each other by index. The slice doubles as the node history
// that attachment and initiator lookups scan, so no separate bookkeeping
// structure is needed.
package tree

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/nlnwa/veidemann-redirect-tracer/pkg/resolver"
)

// Node is one visited URL in the redirection tree. The fragment is stored
// separately from the URL; FullURL joins them back.
type Node struct {
	tree     *Tree
	id       int
	parent   int
	children []int

	URL          string
	Fragment     string
	Mechanism    string
	ResourceKind string
	Timestamp    int64
	Depth        int
}

// Tree is the redirection tree of a single session.
type Tree struct {
	nodes []*Node
}

// Build assembles a tree from the resolved links, in order. The first link
// must be the root navigation; without it there is nothing to anchor the
// tree and Build returns nil.
//
// Each link attaches to the most recently added node whose full URL equals
// the link's parent URL exactly. Scanning newest-first keeps redirection
// loops finite: a URL revisited later attaches to its latest occurrence, not
// the first. Links whose parent never entered the tree are dropped.
func Build(links []resolver.Link) *Tree {
	if len(links) == 0 {
		return nil
	}
	first := links[0]
	if first.ResourceKind != resolver.KindDocument || first.ParentURL != "" || first.Mechanism != resolver.MechanismRoot {
		return nil
	}

	t := &Tree{}
	t.add(-1, first)

	for _, link := range links[1:] {
		parent := -1
		for i := len(t.nodes) - 1; i >= 0; i-- {
			if t.nodes[i].FullURL() == link.ParentURL {
				parent = i
				break
			}
		}
		if parent < 0 {
			log.Debugf("Dropping link to %v, parent %v not in tree", link.URL, link.ParentURL)
			continue
		}
		t.add(parent, link)
	}
	return t
}

func (t *Tree) add(parent int, link resolver.Link) *Node {
	url, fragment := splitFragment(link.URL)
	n := &Node{
		tree:         t,
		id:           len(t.nodes),
		parent:       parent,
		URL:          url,
		Fragment:     fragment,
		Mechanism:    link.Mechanism,
		ResourceKind: link.ResourceKind,
		Timestamp:    link.Timestamp,
		Depth:        1,
	}
	if parent >= 0 {
		p := t.nodes[parent]
		n.Depth = p.Depth + 1
		p.children = append(p.children, n.id)
	}
	t.nodes = append(t.nodes, n)
	return n
}

// Root returns the session's initial navigation.
func (t *Tree) Root() *Node {
	if t == nil || len(t.nodes) == 0 {
		return nil
	}
	return t.nodes[0]
}

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.nodes)
}

// Parent returns the node this node was caused by, or nil for the root.
func (n *Node) Parent() *Node {
	if n.parent < 0 {
		return nil
	}
	return n.tree.nodes[n.parent]
}

// Children returns the nodes this node caused, in insertion order.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	for i, id := range n.children {
		out[i] = n.tree.nodes[id]
	}
	return out
}

// FullURL returns the node's URL with its fragment reattached.
func (n *Node) FullURL() string {
	return n.URL + n.Fragment
}

// splitFragment separates a URL at the first '#'. The fragment keeps its
// leading '#' so concatenation restores the original string.
func splitFragment(url string) (string, string) {
	if i := strings.IndexByte(url, '#'); i >= 0 {
		return url[:i], url[i:]
	}
	return url, ""
}
