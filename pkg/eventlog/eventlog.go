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

// Package eventlog reads a session's captured performance log and reduces it
// to the causally relevant subsequence of CDP events.
package eventlog

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
	log "github.com/sirupsen/logrus"
)

// Record is one telemetry event together with the capture timestamp from the
// log wrapper. Timestamps are wrapper milliseconds, not CDP monotonic time,
// and are not globally sorted for logically concurrent requests.
type Record struct {
	Method    cdproto.MethodType
	Timestamp int64
	Event     interface{}
}

// The event kinds that matter for redirection reconstruction. Everything
// else in the log is dropped on read.
var relevantMethods = map[cdproto.MethodType]bool{
	cdproto.EventNetworkRequestWillBeSent:     true,
	cdproto.EventNetworkResponseReceived:      true,
	cdproto.EventNetworkLoadingFailed:         true,
	cdproto.EventPageFrameAttached:            true,
	cdproto.EventPageFrameDetached:            true,
	cdproto.EventPageFrameRequestedNavigation: true,
	cdproto.EventPageNavigatedWithinDocument:  true,
	cdproto.EventPageDownloadWillBegin:        true,
}

// logLine is the capture layer's per-line wrapper. The inner message may be
// a string-encoded JSON object or an inline object.
type logLine struct {
	Message   json.RawMessage `json:"message"`
	Timestamp int64           `json:"timestamp"`
}

type envelope struct {
	Message struct {
		Method string              `json:"method"`
		Params easyjson.RawMessage `json:"params"`
	} `json:"message"`
}

// ReadLog parses a newline-delimited performance log. Lines that fail to
// parse, and events outside the relevant set, are skipped: the log is a
// foreign, append-only feed whose field presence varies by method.
func ReadLog(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		rec, ok := parseLine(data, lineNo)
		if ok {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func parseLine(data []byte, lineNo int) (Record, bool) {
	var line logLine
	if err := json.Unmarshal(data, &line); err != nil {
		log.Debugf("Skipping unparsable log line %d: %v", lineNo, err)
		return Record{}, false
	}

	payload := []byte(line.Message)
	if len(payload) > 0 && payload[0] == '"' {
		var inner string
		if err := json.Unmarshal(payload, &inner); err != nil {
			log.Debugf("Skipping log line %d with bad message encoding: %v", lineNo, err)
			return Record{}, false
		}
		payload = []byte(inner)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Debugf("Skipping log line %d with bad message payload: %v", lineNo, err)
		return Record{}, false
	}

	method := cdproto.MethodType(env.Message.Method)
	if !relevantMethods[method] {
		return Record{}, false
	}

	ev, err := cdproto.UnmarshalMessage(&cdproto.Message{
		Method: method,
		Params: env.Message.Params,
	})
	if err != nil {
		log.Debugf("Skipping log line %d, could not unmarshal %s: %v", lineNo, method, err)
		return Record{}, false
	}

	return Record{
		Method:    method,
		Timestamp: line.Timestamp,
		Event:     ev,
	}, true
}
