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
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/urlnorm"
)

// SearchNode finds the first node, in depth-first preorder, whose URL is
// equivalent to the given URL under percent-decoded case-insensitive
// comparison. With matchFragment set the fragment takes part in the
// comparison, otherwise it is ignored on both sides.
func (t *Tree) SearchNode(url string, matchFragment bool) *Node {
	if t.Root() == nil {
		return nil
	}
	target := url
	if !matchFragment {
		target, _ = splitFragment(url)
	}
	stack := []*Node{t.Root()}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		candidate := n.URL
		if matchFragment {
			candidate = n.FullURL()
		}
		if urlnorm.Equal(candidate, target) {
			return n
		}
		children := n.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return nil
}

// ExactMatch finds the first node, in depth-first preorder, with an
// equivalent full URL and exactly the given timestamp. The timestamp
// disambiguates revisited URLs in redirection loops.
func (t *Tree) ExactMatch(url string, timestamp int64) *Node {
	if t.Root() == nil {
		return nil
	}
	stack := []*Node{t.Root()}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Timestamp == timestamp && urlnorm.Equal(n.FullURL(), url) {
			return n
		}
		children := n.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return nil
}

// ResourceNodes returns every node of the given resource kind, in
// breadth-first order.
func (t *Tree) ResourceNodes(kind string) []*Node {
	var out []*Node
	for _, n := range t.BFS() {
		if n.ResourceKind == kind {
			out = append(out, n)
		}
	}
	return out
}

// BFS returns all nodes in breadth-first order starting at the root.
func (t *Tree) BFS() []*Node {
	root := t.Root()
	if root == nil {
		return nil
	}
	queue := []*Node{root}
	var out []*Node
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		queue = append(queue, n.Children()...)
	}
	return out
}

// Leaves returns all nodes without children, in breadth-first order.
func (t *Tree) Leaves() []*Node {
	var out []*Node
	for _, n := range t.BFS() {
		if len(n.children) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Height returns the height of the subtree rooted at n, counting n itself.
// A nil node means the whole tree.
func (t *Tree) Height(n *Node) int {
	if n == nil {
		n = t.Root()
	}
	if n == nil {
		return 0
	}
	max := 0
	for _, c := range n.Children() {
		if h := t.Height(c); h > max {
			max = h
		}
	}
	return max + 1
}

// Intermediaries returns the path from start to end, both inclusive, by
// walking end's parent chain. A nil start means the root. If end is not a
// descendant of start the result is empty.
func (t *Tree) Intermediaries(start, end *Node) []*Node {
	if start == nil {
		start = t.Root()
	}
	if start == nil || end == nil {
		return nil
	}
	var reversed []*Node
	for n := end; n != nil; n = n.Parent() {
		reversed = append(reversed, n)
		if n == start {
			path := make([]*Node, len(reversed))
			for i, m := range reversed {
				path[len(reversed)-1-i] = m
			}
			return path
		}
	}
	return nil
}

// InitiatorNode finds the node the given initiator URL refers to: the node
// with an equivalent URL (fragment ignored) that was visited no later than
// base. Among several occurrences the one closest in time to base wins,
// except base itself, so a self-initiated revisit attributes to the earlier
// occurrence.
func (t *Tree) InitiatorNode(initiatorURL string, base *Node) *Node {
	if t == nil || base == nil {
		return nil
	}
	target, _ := splitFragment(initiatorURL)
	var found *Node
	for _, n := range t.nodes {
		if n.Timestamp > base.Timestamp || !urlnorm.Equal(n.URL, target) {
			continue
		}
		if found == nil {
			found = n
		} else if n != base && n.Timestamp > found.Timestamp {
			found = n
		}
	}
	return found
}
