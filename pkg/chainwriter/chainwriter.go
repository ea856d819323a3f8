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

// Package chainwriter persists reconstruction results as newline-delimited
// JSON, one record per session, safe for concurrent writers.
package chainwriter

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/nlnwa/veidemann-redirect-tracer/pkg/chain"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/tree"
)

// ChainWriter appends chain and tree records to an output stream.
type ChainWriter interface {
	WriteChain(*chain.Chain) error
	WriteTree(session string, t *tree.Tree) error
	Close() error
}

type chainWriter struct {
	mu  sync.Mutex
	buf *bufio.Writer
	f   *os.File
}

// New opens path for appending. The file is created if missing.
func New(path string) (ChainWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &chainWriter{buf: bufio.NewWriter(f), f: f}, nil
}

// NewWriter wraps an existing stream, for tests and stdout output.
func NewWriter(w io.Writer) ChainWriter {
	return &chainWriter{buf: bufio.NewWriter(w)}
}

func (w *chainWriter) WriteChain(c *chain.Chain) error {
	return w.writeJSON(c)
}

// treeRecord wraps a dumped tree with its session id, so tree lines remain
// attributable when chains and trees share an output file.
type treeRecord struct {
	Session string            `json:"session"`
	Nodes   []tree.NodeRecord `json:"nodes"`
}

func (w *chainWriter) WriteTree(session string, t *tree.Tree) error {
	return w.writeJSON(treeRecord{Session: session, Nodes: t.Dump()})
}

func (w *chainWriter) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}

func (w *chainWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.f != nil {
		return w.f.Close()
	}
	return nil
}
