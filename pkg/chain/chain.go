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

package chain

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	whatwg "github.com/nlnwa/whatwg-url/url"
	log "github.com/sirupsen/logrus"

	"github.com/nlnwa/veidemann-redirect-tracer/pkg/resolver"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/tree"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/urlnorm"
)

// Chain is the linear redirection path of one session, from the start URL to
// the effective landing URL.
type Chain struct {
	Session           string   `json:"session"`
	StartURL          string   `json:"startUrl"`
	EndURL            string   `json:"endUrl"`
	URLs              []string `json:"urls"`
	Mechanisms        []string `json:"mechanisms"`
	Hops              int      `json:"hops"`
	HasCoveringIframe bool     `json:"hasCoveringIframe"`
	HasDownload       bool     `json:"hasDownload"`
	DownloadURL       string   `json:"downloadUrl,omitempty"`
}

// Options tune the covering-iframe detection.
type Options struct {
	// MainRect is the browser viewport the capture ran with.
	MainRect Rect
	// IntersectRatio is the share of the viewport an iframe must cover to
	// count as the effective landing page.
	IntersectRatio float64
}

// DefaultOptions returns the capture setup's viewport and coverage
// threshold.
func DefaultOptions() Options {
	return Options{
		MainRect:       Rect{X: 0, Y: 0, Width: 1664, Height: 919},
		IntersectRatio: 0.4,
	}
}

// Compose extracts the redirection chain that ends at endURL. When the
// landing page hosts a visible iframe covering most of the viewport, the
// iframe's document is the effective landing page and the chain extends one
// hop into it.
//
// Returns nil when endURL is not in the tree, or when a covering iframe's
// document cannot be located in it: a chain that stops short of the real
// landing page would misattribute the destination.
func Compose(session string, t *tree.Tree, links []resolver.Link, endURL string, tags []Tag, opts Options) *Chain {
	end := t.SearchNode(endURL, false)
	if end == nil {
		log.Debugf("Session %v: end url %v not found in tree", session, endURL)
		return nil
	}

	path := t.Intermediaries(nil, end)
	if len(path) == 0 {
		return nil
	}

	c := &Chain{
		Session:    session,
		StartURL:   path[0].FullURL(),
		EndURL:     end.FullURL(),
		URLs:       make([]string, 0, len(path)),
		Mechanisms: make([]string, 0, len(path)),
		Hops:       len(path) - 1,
	}
	for _, n := range path {
		c.URLs = append(c.URLs, n.FullURL())
		c.Mechanisms = append(c.Mechanisms, n.Mechanism)
	}

	if src, ok := coveringIframeSrc(tags, opts); ok {
		target, err := resolveSrc(src, end.FullURL())
		if err != nil {
			log.Debugf("Session %v: covering iframe src %v unusable: %v", session, src, err)
			return nil
		}
		frameNode := t.SearchNode(target, false)
		if frameNode == nil {
			log.Debugf("Session %v: covering iframe document %v not in tree", session, target)
			return nil
		}
		c.URLs = append(c.URLs, frameNode.FullURL())
		c.Mechanisms = append(c.Mechanisms, frameNode.Mechanism)
		c.EndURL = frameNode.FullURL()
		c.Hops++
		c.HasCoveringIframe = true
	}

	for _, l := range links {
		if l.ResourceKind == resolver.KindDownload {
			c.HasDownload = true
			c.DownloadURL = l.URL
		}
	}

	return c
}

// coveringIframeSrc finds the first visible iframe whose layout rectangle
// overlaps enough of the viewport, and returns its source attribute.
func coveringIframeSrc(tags []Tag, opts Options) (string, bool) {
	threshold := opts.IntersectRatio * opts.MainRect.Area()
	for _, tag := range tags {
		if tag.Type != "iframe" || !tag.Visible || len(tag.Rects) == 0 {
			continue
		}
		if tag.Rects[0].Intersection(opts.MainRect) < threshold {
			continue
		}
		if src := iframeSrc(tag.Markup); src != "" {
			return src, true
		}
	}
	return "", false
}

// iframeSrc pulls the frame source out of the tag's outer HTML. Object
// embeds carry it in the data attribute instead.
func iframeSrc(markup string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return ""
	}
	if src, ok := doc.Find("iframe[src], frame[src]").First().Attr("src"); ok {
		return strings.TrimSpace(src)
	}
	if data, ok := doc.Find("object[data]").First().Attr("data"); ok {
		return strings.TrimSpace(data)
	}
	return ""
}

// resolveSrc canonicalizes the iframe source, resolving it against the
// hosting document's URL when it is relative.
func resolveSrc(src, baseURL string) (string, error) {
	if canonical, err := urlnorm.Canonicalize(src); err == nil {
		return canonical, nil
	}
	abs, err := whatwg.ParseRef(baseURL, src)
	if err != nil {
		return "", err
	}
	return urlnorm.Canonicalize(abs.String())
}
