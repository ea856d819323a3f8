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

// Package resolver computes, for every normalized telemetry event, the URL
// that caused it and the mechanism of causation. The frame and loader
// lifecycle state it needs is scoped to a single Resolve call, so concurrent
// sessions never share state.
package resolver

import (
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	log "github.com/sirupsen/logrus"

	"github.com/nlnwa/veidemann-redirect-tracer/pkg/eventlog"
)

// Causation mechanisms not taken verbatim from the event's initiator type or
// the frame navigation reason.
const (
	MechanismRoot       = "root"
	MechanismRedirect   = "redirectResponse"
	MechanismInDocument = "navigatedWithinDocument"
)

// Resource kinds with special meaning during resolution.
const (
	KindDocument = "Document"
	KindDownload = "Download"
)

// Link is one resolved causal edge: a requested URL, the URL that caused the
// request, how, and when. This is the sole contract between the resolver and
// the tree builder. URLs carry their fragment.
type Link struct {
	URL          string
	ResourceKind string
	ParentURL    string
	Mechanism    string
	Timestamp    int64
	FrameID      cdp.FrameID
}

// reconcileWindow is the maximum timestamp distance, in capture wrapper
// units, between a frame-navigation-requested record and the request-sent
// record it explains.
const reconcileWindow = 20

// pendingNavigation is a frame-navigation-requested record waiting for the
// reconciliation pass. The navigation reason it carries is only announced by
// this separate event, which may arrive before or after the request it
// explains.
type pendingNavigation struct {
	frameID   cdp.FrameID
	url       string
	reason    string
	timestamp int64
}

type state struct {
	frameParent map[cdp.FrameID]cdp.FrameID
	frameURL    map[cdp.FrameID]string
	loaderURL   map[cdp.LoaderID]string
	frameLoader map[cdp.FrameID]cdp.LoaderID
	// fragments maps a fragment-less URL to its fragment-bearing form, so a
	// redirect response parent can recover the fragment it was stripped of.
	fragments map[string]string
	pending   []pendingNavigation
	links     []Link
}

// Resolve turns the normalized event sequence into an ordered list of causal
// links. Events whose parent cannot be determined are skipped; a single bad
// event never aborts the session.
func Resolve(records []eventlog.Record) []Link {
	s := &state{
		frameParent: make(map[cdp.FrameID]cdp.FrameID),
		frameURL:    make(map[cdp.FrameID]string),
		loaderURL:   make(map[cdp.LoaderID]string),
		frameLoader: make(map[cdp.FrameID]cdp.LoaderID),
		fragments:   make(map[string]string),
	}

	for i, rec := range records {
		switch ev := rec.Event.(type) {
		case *page.EventFrameAttached:
			s.frameParent[ev.FrameID] = ev.ParentFrameID
		case *page.EventFrameDetached:
			delete(s.frameParent, ev.FrameID)
			delete(s.frameURL, ev.FrameID)
		case *page.EventFrameRequestedNavigation:
			s.pending = append(s.pending, pendingNavigation{
				frameID:   ev.FrameID,
				url:       ev.URL,
				reason:    ev.Reason.String(),
				timestamp: rec.Timestamp,
			})
		case *network.EventRequestWillBeSent:
			s.resolveRequest(i, rec.Timestamp, ev)
		case *page.EventNavigatedWithinDocument:
			s.resolveInDocument(rec.Timestamp, ev)
		case *page.EventDownloadWillBegin:
			s.reclassifyDownload(ev.URL)
		}
	}

	s.reconcile()
	return s.links
}

func (s *state) resolveRequest(index int, timestamp int64, ev *network.EventRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	if ev.Type.String() == KindDocument {
		s.resolveDocumentRequest(index, timestamp, ev)
	} else {
		s.resolveResourceRequest(timestamp, ev)
	}
}

func (s *state) resolveDocumentRequest(index int, timestamp int64, ev *network.EventRequestWillBeSent) {
	requestURL := ev.Request.URL
	if ev.Request.URLFragment != "" {
		s.fragments[requestURL] = requestURL + ev.Request.URLFragment
		requestURL += ev.Request.URLFragment
	} else {
		s.fragments[requestURL] = requestURL
	}

	var parentURL, mechanism string
	switch {
	case index == 0:
		// The very first event is the session's root navigation.
		mechanism = MechanismRoot
	case ev.RedirectResponse != nil:
		parentURL = ev.RedirectResponse.URL
		if withFragment, ok := s.fragments[parentURL]; ok {
			parentURL = withFragment
		}
		mechanism = MechanismRedirect
	default:
		frameID := ev.FrameID
		if parentFrame, ok := s.frameParent[frameID]; ok {
			// A nested frame: the parent document caused this load. An
			// iframe without src has no URL of its own, so fall back to the
			// grandparent frame.
			if _, known := s.frameURL[parentFrame]; !known {
				parentFrame = s.frameParent[parentFrame]
			}
			url, known := s.frameURL[parentFrame]
			if !known {
				log.Debugf("Skipping document request for %v, no parent frame url known", requestURL)
				return
			}
			parentURL = url
		} else {
			// Same-frame navigation: the frame's previous document is the
			// parent. The navigation reason, if any, is corrected by the
			// reconciliation pass.
			url, known := s.frameURL[frameID]
			if !known {
				log.Debugf("Skipping document request for %v, frame %v has no url", requestURL, frameID)
				return
			}
			parentURL = url
		}
		mechanism = initiatorType(ev.Initiator)
	}

	s.links = append(s.links, Link{
		URL:          requestURL,
		ResourceKind: KindDocument,
		ParentURL:    parentURL,
		Mechanism:    mechanism,
		Timestamp:    timestamp,
		FrameID:      ev.FrameID,
	})

	s.frameURL[ev.FrameID] = requestURL
	s.loaderURL[ev.LoaderID] = requestURL
	s.frameLoader[ev.FrameID] = ev.LoaderID
}

func (s *state) resolveResourceRequest(timestamp int64, ev *network.EventRequestWillBeSent) {
	loaderKnown := false
	frameKnown := false
	parentURL := ""
	if url, ok := s.loaderURL[ev.LoaderID]; ok {
		parentURL = url
		loaderKnown = true
	} else if url, ok := s.frameURL[ev.FrameID]; ok {
		parentURL = url
		frameKnown = true
	}
	// Neither loader nor frame registered: a leftover from an unrelated
	// session.
	if !loaderKnown && !frameKnown {
		return
	}

	requestURL := ev.Request.URL + ev.Request.URLFragment

	mechanism := initiatorType(ev.Initiator)
	switch mechanism {
	case "script", "parser", "other":
	default:
		log.Debugf("Skipping request for %v with unexpected initiator type %v", requestURL, mechanism)
		return
	}

	s.links = append(s.links, Link{
		URL:          requestURL,
		ResourceKind: ev.Type.String(),
		ParentURL:    parentURL,
		Mechanism:    mechanism,
		Timestamp:    timestamp,
		FrameID:      ev.FrameID,
	})
}

func (s *state) resolveInDocument(timestamp int64, ev *page.EventNavigatedWithinDocument) {
	// Frames never seen before are mostly iframe tags without src.
	parentURL, ok := s.frameURL[ev.FrameID]
	if !ok {
		return
	}

	prefix, _ := splitFragment(ev.URL)
	s.fragments[prefix] = ev.URL
	s.frameURL[ev.FrameID] = ev.URL

	// An in-document navigation changes neither frame nor loader, so the
	// loader's current document follows along.
	if loaderID, ok := s.frameLoader[ev.FrameID]; ok {
		s.loaderURL[loaderID] = ev.URL
	}

	s.links = append(s.links, Link{
		URL:          ev.URL,
		ResourceKind: KindDocument,
		ParentURL:    parentURL,
		Mechanism:    MechanismInDocument,
		Timestamp:    timestamp,
		FrameID:      ev.FrameID,
	})
}

// reclassifyDownload marks the most recent link for the download URL as a
// drive-by download. Download-begin emits no link of its own.
func (s *state) reclassifyDownload(url string) {
	for i := len(s.links) - 1; i >= 0; i-- {
		if s.links[i].URL == url {
			s.links[i].ResourceKind = KindDownload
			return
		}
	}
}

// reconcile overwrites the mechanism of document links that a
// frame-navigation-requested record explains: same frame, same URL, and a
// timestamp within the reconciliation window. The cursor only moves forward;
// each pending item matches at most one link, in order.
func (s *state) reconcile() {
	cursor := 1
	for _, p := range s.pending {
		for cursor < len(s.links) {
			l := &s.links[cursor]
			cursor++
			if l.ResourceKind == KindDocument && l.FrameID == p.frameID && l.URL == p.url &&
				absDiff(l.Timestamp, p.timestamp) < reconcileWindow {
				l.Mechanism = p.reason
				break
			}
		}
	}
}

// InitiatorURL extracts the URL of whatever triggered a request: the
// explicit initiator URL if present, otherwise the innermost call-stack
// frame with a URL, otherwise the given fallback (normally the structural
// parent's URL).
func InitiatorURL(initiator *network.Initiator, fallback string) string {
	if initiator == nil {
		return fallback
	}
	if initiator.URL != "" {
		return initiator.URL
	}
	if initiator.Stack != nil {
		for _, frame := range initiator.Stack.CallFrames {
			if frame.URL != "" {
				return frame.URL
			}
		}
	}
	return fallback
}

func initiatorType(initiator *network.Initiator) string {
	if initiator == nil {
		return "other"
	}
	return initiator.Type.String()
}

func splitFragment(url string) (string, string) {
	if i := strings.IndexByte(url, '#'); i >= 0 {
		return url[:i], url[i:]
	}
	return url, ""
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
