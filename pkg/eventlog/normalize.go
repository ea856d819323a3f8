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

package eventlog

import (
	"errors"

	"github.com/chromedp/cdproto/network"
)

// BrowserErrorURL is the placeholder document URL the browser reports after
// a crashed or aborted load. A session that ever reaches it has no
// trustworthy causal structure.
const BrowserErrorURL = "chrome-error://chromewebdata/"

// ErrSessionCrashed marks a session whose log contains the browser error
// placeholder. The whole session is discarded, not salvaged.
var ErrSessionCrashed = errors.New("session crashed")

// Normalize filters the raw record sequence for one session down to the
// causally relevant subsequence:
//
//   - records preceding the first request for the session's start URL are
//     stale leftovers from a reused log and are dropped;
//   - response-received records are kept only when they carry a Refresh
//     header (the header-refresh signal);
//   - a load-failed record removes the accumulated request it refers to;
//   - the browser error placeholder invalidates the whole session.
//
// Output keeps the input's emission order. Timestamps may be non-monotonic
// for concurrent requests, and mechanism matching downstream depends on
// emission order, so the sequence is never re-sorted.
func Normalize(records []Record, startURL string) ([]Record, error) {
	var out []Record
	filtered := false
	for _, rec := range records {
		if !filtered {
			req, ok := rec.Event.(*network.EventRequestWillBeSent)
			if !ok || req.Request == nil || req.Request.URL != startURL {
				continue
			}
			filtered = true
		}

		switch ev := rec.Event.(type) {
		case *network.EventResponseReceived:
			if ev.Response == nil {
				continue
			}
			if _, ok := ev.Response.Headers["Refresh"]; !ok {
				continue
			}
		case *network.EventRequestWillBeSent:
			if ev.DocumentURL == BrowserErrorURL {
				return nil, ErrSessionCrashed
			}
		case *network.EventLoadingFailed:
			for i := len(out) - 1; i >= 0; i-- {
				req, ok := out[i].Event.(*network.EventRequestWillBeSent)
				if ok && req.RequestID == ev.RequestID {
					out = append(out[:i], out[i+1:]...)
					break
				}
			}
		}

		out = append(out, rec)
	}
	return out, nil
}
