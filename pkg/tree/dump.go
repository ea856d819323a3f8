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

package tree

import (
	"fmt"
	"io"
	"strings"
)

// NodeRecord is the serialized form of one node, suitable for JSON storage
// and later recovery.
type NodeRecord struct {
	ID           string `json:"id"`
	Parent       string `json:"parent,omitempty"`
	URL          string `json:"url"`
	Fragment     string `json:"fragment,omitempty"`
	Mechanism    string `json:"mechanism"`
	ResourceKind string `json:"resourceKind"`
	Timestamp    int64  `json:"timestamp"`
	Depth        int    `json:"depth"`
}

// Dump flattens the tree to records in breadth-first order, so every
// record's parent precedes it.
func (t *Tree) Dump() []NodeRecord {
	nodes := t.BFS()
	ids := make(map[*Node]string, len(nodes))
	records := make([]NodeRecord, 0, len(nodes))
	for i, n := range nodes {
		ids[n] = fmt.Sprintf("node_%d", i)
		rec := NodeRecord{
			ID:           ids[n],
			URL:          n.URL,
			Fragment:     n.Fragment,
			Mechanism:    n.Mechanism,
			ResourceKind: n.ResourceKind,
			Timestamp:    n.Timestamp,
			Depth:        n.Depth,
		}
		if p := n.Parent(); p != nil {
			rec.Parent = ids[p]
		}
		records = append(records, rec)
	}
	return records
}

// Recover rebuilds a tree from dumped records. Records must list every
// parent before its children, which Dump guarantees.
func Recover(records []NodeRecord) (*Tree, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to recover from")
	}
	t := &Tree{}
	index := make(map[string]int, len(records))
	for _, rec := range records {
		parent := -1
		if rec.Parent != "" {
			id, ok := index[rec.Parent]
			if !ok {
				return nil, fmt.Errorf("record %v references unknown parent %v", rec.ID, rec.Parent)
			}
			parent = id
		} else if len(t.nodes) > 0 {
			return nil, fmt.Errorf("record %v has no parent but root exists", rec.ID)
		}
		n := &Node{
			tree:         t,
			id:           len(t.nodes),
			parent:       parent,
			URL:          rec.URL,
			Fragment:     rec.Fragment,
			Mechanism:    rec.Mechanism,
			ResourceKind: rec.ResourceKind,
			Timestamp:    rec.Timestamp,
			Depth:        rec.Depth,
		}
		if parent >= 0 {
			t.nodes[parent].children = append(t.nodes[parent].children, n.id)
		}
		index[rec.ID] = n.id
		t.nodes = append(t.nodes, n)
	}
	return t, nil
}

// Render writes a human-readable view of the tree, one node per line,
// indented by depth.
func (t *Tree) Render(w io.Writer) error {
	root := t.Root()
	if root == nil {
		return nil
	}
	stack := []*Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		indent := ""
		if n.Depth > 1 {
			indent = strings.Repeat("--", n.Depth-1)
		}
		if _, err := fmt.Fprintf(w, "%s> %s [%s]\n", indent, n.FullURL(), n.Mechanism); err != nil {
			return err
		}
		children := n.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return nil
}
