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

// Package chain composes the final redirection chain of a session: the path
// from the start URL to the landing URL, extended through a covering iframe
// when the landing page is just a carrier for one.
package chain

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Rect is an element's layout rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the rectangle's area, zero for degenerate rectangles.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Intersection returns the area of overlap between two rectangles.
func (r Rect) Intersection(o Rect) float64 {
	w := min(r.X+r.Width, o.X+o.Width) - max(r.X, o.X)
	h := min(r.Y+r.Height, o.Y+o.Height) - max(r.Y, o.Y)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Tag is one markup element recorded on the landing page, with its layout
// rectangles and outer HTML.
type Tag struct {
	ID      string
	Type    string
	Visible bool
	Rects   []Rect
	Markup  string
}

// ReadTags parses the tag listing captured alongside the event log: one tag
// per line, five tab-separated columns (id, element type, visibility flag,
// JSON rectangle list, outer HTML). Malformed lines are skipped since the
// listing comes from a best-effort DOM walk.
func ReadTags(r io.Reader) ([]Tag, error) {
	var tags []Tag
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Text()
		if line == "" {
			continue
		}
		cols := strings.SplitN(line, "\t", 5)
		if len(cols) != 5 {
			log.Debugf("Skipping tag line %d with %d columns", lineNo, len(cols))
			continue
		}
		var rects []Rect
		if err := json.Unmarshal([]byte(cols[3]), &rects); err != nil {
			log.Debugf("Skipping tag line %d with bad rects: %v", lineNo, err)
			continue
		}
		tags = append(tags, Tag{
			ID:      cols[0],
			Type:    strings.ToLower(cols[1]),
			Visible: cols[2] == "1",
			Rects:   rects,
			Markup:  cols[4],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tags, nil
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
