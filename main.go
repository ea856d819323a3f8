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

package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/nlnwa/veidemann-redirect-tracer/pkg/chainwriter"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/eventlog"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/logger"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/metrics"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/session"
)

func main() {
	pflag.BoolP("help", "h", false, "Usage instructions")
	pflag.String("input", "sessions.tsv", "session listing, one tab separated line per session: domain, capture directory, end url")
	pflag.String("sample-root", ".", "directory capture directories are relative to")
	pflag.String("output", "chains.json", "output file for reconstructed chains, newline delimited json")
	pflag.Bool("write-trees", false, "also write the full redirection tree of every session")
	pflag.Int("workers", 8, "max number of sessions reconstructed simultaniously")

	pflag.String("metrics-interface", "", "interface the metrics endpoint listens to. No value means all interfaces.")
	pflag.Int("metrics-port", 9153, "port the metrics endpoint listens to")
	pflag.String("metrics-path", "/metrics", "path of the metrics endpoint")

	pflag.String("log-level", "info", "log level, available levels are panic, fatal, error, warn, info, debug and trace")
	pflag.String("log-formatter", "logfmt", "log formatter, available values are logfmt and json")
	pflag.Bool("log-method", false, "log method name")

	pflag.Parse()

	replacer := strings.NewReplacer("-", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Fatalf("Could not parse flags: %s", err)
	}

	if viper.GetBool("help") {
		pflag.Usage()
		return
	}

	if err := logger.InitLog(
		viper.GetString("log-level"),
		viper.GetString("log-formatter"),
		viper.GetBool("log-method"),
	); err != nil {
		log.Fatalf("Could not initialize logs: %v", err)
	}

	ms := metrics.NewMetricsServer(viper.GetString("metrics-interface"), viper.GetInt("metrics-port"), viper.GetString("metrics-path"))
	if err := ms.Start(); err != nil {
		log.Fatalf("Could not start metrics server: %v", err)
	}
	defer ms.Close()

	sessions, err := readSessionListing(viper.GetString("input"), viper.GetString("sample-root"))
	if err != nil {
		log.Fatalf("Could not read session listing: %v", err)
	}
	log.Infof("Reconstructing %d sessions", len(sessions))

	writer, err := chainwriter.New(viper.GetString("output"))
	if err != nil {
		log.Fatalf("Could not open output file: %v", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			log.Errorf("Could not close output file: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	writeTrees := viper.GetBool("write-trees")
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(viper.GetInt("workers"))
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			reconstruct(s, writer, writeTrees)
			return nil
		})
	}
	if err := g.Wait(); err != nil && !isInterrupt(err) {
		log.Fatalf("Reconstruction aborted: %v", err)
	}
}

func reconstruct(s *session.Session, writer chainwriter.ChainWriter, writeTrees bool) {
	start := time.Now()
	metrics.SessionsTotal.Inc()

	result, err := s.Reconstruct()
	if err != nil {
		metrics.SessionsFailedTotal.WithLabelValues(failureReason(err)).Inc()
		log.Warnf("Session %v failed: %v", s.ID, err)
		return
	}
	metrics.TreesBuiltTotal.Inc()
	metrics.TreeNodes.Observe(float64(result.Tree.Len()))

	if writeTrees {
		if err := writer.WriteTree(s.ID, result.Tree); err != nil {
			log.Errorf("Session %v: could not write tree: %v", s.ID, err)
		}
	}

	if result.Chain == nil {
		metrics.SessionsFailedTotal.WithLabelValues("no_chain").Inc()
		log.Warnf("Session %v: no chain to end url %v", s.ID, s.EndURL)
		return
	}
	metrics.ChainsComposedTotal.Inc()
	if err := writer.WriteChain(result.Chain); err != nil {
		log.Errorf("Session %v: could not write chain: %v", s.ID, err)
		return
	}

	metrics.ReconstructSeconds.Observe(time.Since(start).Seconds())
	log.Infof("Session %v: %d hops from %v to %v", s.ID, result.Chain.Hops, result.Chain.StartURL, result.Chain.EndURL)
}

// readSessionListing parses the input file: domain, capture directory and
// end url, tab separated. Empty lines and lines starting with '#' are
// skipped.
func readSessionListing(path, root string) ([]*session.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var sessions []*session.Session
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) != 3 {
			log.Warnf("Skipping session listing line %d with %d columns", lineNo, len(cols))
			continue
		}
		dir := filepath.Join(root, cols[1])
		sessions = append(sessions, session.New(filepath.Base(dir), cols[0], cols[2], dir))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, eventlog.ErrSessionCrashed):
		return "crashed"
	case errors.Is(err, session.ErrNoTree):
		return "no_tree"
	case errors.Is(err, os.ErrNotExist):
		return "missing_log"
	default:
		return "error"
	}
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled)
}
