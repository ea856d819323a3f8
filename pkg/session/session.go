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

// Package session drives the reconstruction pipeline for one captured
// browsing session: read the event log, normalize it, resolve causality,
// build the tree and compose the chain.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chromedp/cdproto/network"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nlnwa/veidemann-redirect-tracer/pkg/chain"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/eventlog"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/resolver"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/tree"
)

const (
	perfLogFile = "performance_log.txt"
	tagsFile    = "redirection_tags.txt"
)

// ErrNoTree marks a session whose normalized log yields no usable root
// navigation, so no tree can be anchored.
var ErrNoTree = errors.New("no redirection tree")

// Session identifies one capture: the domain that was visited, the URL the
// browser ended up at, and the directory holding the capture files.
type Session struct {
	ID     string
	Domain string
	EndURL string
	Dir    string

	// ChainOptions tune covering-iframe detection. Nil means
	// chain.DefaultOptions.
	ChainOptions *chain.Options
}

// New returns a session rooted at dir. An empty id gets a generated one.
func New(id, domain, endURL, dir string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{ID: id, Domain: domain, EndURL: endURL, Dir: dir}
}

// StartURL is the URL the capture navigated to first.
func (s *Session) StartURL() string {
	return "http://" + s.Domain + "/"
}

// Result holds everything the pipeline produced for one session.
type Result struct {
	Session *Session
	Records []eventlog.Record
	Links   []resolver.Link
	Tree    *tree.Tree
	Chain   *chain.Chain
}

// Reconstruct runs the full pipeline. A missing tag listing only disables
// the covering-iframe check; a missing event log fails the session.
func (s *Session) Reconstruct() (*Result, error) {
	f, err := os.Open(filepath.Join(s.Dir, perfLogFile))
	if err != nil {
		return nil, fmt.Errorf("session %v: %w", s.ID, err)
	}
	defer func() { _ = f.Close() }()

	records, err := eventlog.ReadLog(f)
	if err != nil {
		return nil, fmt.Errorf("session %v: reading event log: %w", s.ID, err)
	}

	records, err = eventlog.Normalize(records, s.StartURL())
	if err != nil {
		return nil, fmt.Errorf("session %v: %w", s.ID, err)
	}

	links := resolver.Resolve(records)
	t := tree.Build(links)
	if t == nil {
		return nil, fmt.Errorf("session %v: %w", s.ID, ErrNoTree)
	}

	tags, err := s.readTags()
	if err != nil {
		return nil, fmt.Errorf("session %v: reading tags: %w", s.ID, err)
	}

	opts := chain.DefaultOptions()
	if s.ChainOptions != nil {
		opts = *s.ChainOptions
	}
	c := chain.Compose(s.ID, t, links, s.EndURL, tags, opts)

	return &Result{
		Session: s,
		Records: records,
		Links:   links,
		Tree:    t,
		Chain:   c,
	}, nil
}

func (s *Session) readTags() ([]chain.Tag, error) {
	f, err := os.Open(filepath.Join(s.Dir, tagsFile))
	if errors.Is(err, os.ErrNotExist) {
		log.Debugf("Session %v has no tag listing, skipping iframe check", s.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return chain.ReadTags(f)
}

// Initiators attributes user- and script-triggered hops on the chain to the
// node that fired them, which is not always the structural parent: a script
// loaded from a third party can navigate a frame it does not own.
func (r *Result) Initiators() map[*tree.Node]*tree.Node {
	if r.Chain == nil {
		return nil
	}
	end := r.Tree.SearchNode(r.Chain.EndURL, false)
	path := r.Tree.Intermediaries(nil, end)

	out := make(map[*tree.Node]*tree.Node)
	for _, node := range path {
		switch node.Mechanism {
		case "anchorClick", "scriptInitiated", "script":
		default:
			continue
		}
		fallback := ""
		if p := node.Parent(); p != nil {
			fallback = p.FullURL()
		}
		initiatorURL := resolver.InitiatorURL(r.lookupInitiator(node), fallback)
		if initiatorURL == "" {
			continue
		}
		if initiator := r.Tree.InitiatorNode(initiatorURL, node); initiator != nil {
			out[node] = initiator
		}
	}
	return out
}

// lookupInitiator finds the request event a node was built from and returns
// its initiator, or nil when the event carries none.
func (r *Result) lookupInitiator(node *tree.Node) *network.Initiator {
	for _, rec := range r.Records {
		ev, ok := rec.Event.(*network.EventRequestWillBeSent)
		if !ok || rec.Timestamp != node.Timestamp || ev.Request == nil {
			continue
		}
		if ev.Request.URL+ev.Request.URLFragment == node.FullURL() {
			return ev.Initiator
		}
	}
	return nil
}
