package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"

	"github.com/nlnwa/veidemann-redirect-tracer/pkg/chain"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/eventlog"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/resolver"
	"github.com/nlnwa/veidemann-redirect-tracer/pkg/tree"
)

const perfLog = `{"message": {"message": {"method": "Network.requestWillBeSent", "params": {"requestId": "1", "frameId": "F1", "loaderId": "L1", "documentURL": "http://a.test/", "type": "Document", "request": {"url": "http://a.test/"}, "initiator": {"type": "other"}}}}, "timestamp": 100}
{"message": {"message": {"method": "Network.requestWillBeSent", "params": {"requestId": "1", "frameId": "F1", "loaderId": "L2", "documentURL": "http://b.test/", "type": "Document", "request": {"url": "http://b.test/"}, "initiator": {"type": "other"}, "redirectResponse": {"url": "http://a.test/", "status": 302, "statusText": "Found", "headers": {}, "mimeType": "text/html"}}}}, "timestamp": 110}
`

func writeSessionDir(t *testing.T, log string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, perfLogFile), []byte(log), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestNewGeneratesID(t *testing.T) {
	s := New("", "a.test", "http://b.test/", "/tmp")
	if s.ID == "" {
		t.Error("expected generated session id")
	}
	if got := s.StartURL(); got != "http://a.test/" {
		t.Errorf("StartURL = %q", got)
	}
	s = New("given", "a.test", "http://b.test/", "/tmp")
	if s.ID != "given" {
		t.Errorf("ID = %q, want given", s.ID)
	}
}

func TestReconstruct(t *testing.T) {
	dir := writeSessionDir(t, perfLog)
	s := New("s1", "a.test", "http://b.test/", dir)

	result, err := s.Reconstruct()
	if err != nil {
		t.Fatalf("Reconstruct returned error: %v", err)
	}
	if result.Tree.Len() != 2 {
		t.Fatalf("tree has %d nodes, want 2", result.Tree.Len())
	}
	c := result.Chain
	if c == nil {
		t.Fatal("no chain composed")
	}
	if c.StartURL != "http://a.test/" || c.EndURL != "http://b.test/" || c.Hops != 1 {
		t.Errorf("chain = %+v", c)
	}
	if c.Mechanisms[1] != resolver.MechanismRedirect {
		t.Errorf("mechanisms = %v", c.Mechanisms)
	}
}

func TestReconstructMissingLog(t *testing.T) {
	s := New("s1", "a.test", "http://b.test/", t.TempDir())
	if _, err := s.Reconstruct(); err == nil {
		t.Error("expected error for missing event log")
	}
}

func TestReconstructStaleLogOnly(t *testing.T) {
	stale := strings.ReplaceAll(perfLog, "a.test", "stale.test")
	dir := writeSessionDir(t, stale)
	s := New("s1", "a.test", "http://b.test/", dir)
	if _, err := s.Reconstruct(); err == nil {
		t.Error("expected error when log never reaches the start url")
	}
}

func TestHeaderRefreshWithDownload(t *testing.T) {
	frame := cdp.FrameID("F1")
	records := []eventlog.Record{
		{
			Timestamp: 90,
			Event: &network.EventRequestWillBeSent{
				FrameID:   frame,
				LoaderID:  cdp.LoaderID("L1"),
				Request:   &network.Request{URL: "http://a.test/"},
				Initiator: &network.Initiator{Type: network.InitiatorTypeOther},
				Type:      network.ResourceTypeDocument,
			},
		},
		{
			Timestamp: 95,
			Event: &network.EventResponseReceived{
				Response: &network.Response{
					URL:     "http://a.test/",
					Headers: network.Headers{"Refresh": "0;url=http://b.test/"},
				},
			},
		},
		{
			Timestamp: 100,
			Event: &page.EventFrameRequestedNavigation{
				FrameID: frame,
				URL:     "http://b.test/",
				Reason:  page.ClientNavigationReasonHTTPHeaderRefresh,
			},
		},
		{
			Timestamp: 101,
			Event: &network.EventRequestWillBeSent{
				FrameID:   frame,
				LoaderID:  cdp.LoaderID("L2"),
				Request:   &network.Request{URL: "http://b.test/"},
				Initiator: &network.Initiator{Type: network.InitiatorTypeOther},
				Type:      network.ResourceTypeDocument,
			},
		},
		{
			Timestamp: 105,
			Event: &network.EventRequestWillBeSent{
				FrameID:   frame,
				LoaderID:  cdp.LoaderID("L3"),
				Request:   &network.Request{URL: "http://b.test/file.exe"},
				Initiator: &network.Initiator{Type: network.InitiatorTypeOther},
				Type:      network.ResourceTypeDocument,
			},
		},
		{
			Timestamp: 106,
			Event:     &page.EventDownloadWillBegin{FrameID: frame, URL: "http://b.test/file.exe"},
		},
	}

	links := resolver.Resolve(records)
	tr := tree.Build(links)
	c := chain.Compose("s1", tr, links, "http://b.test/", nil, chain.DefaultOptions())
	if c == nil {
		t.Fatal("no chain composed")
	}
	if len(c.URLs) != 2 || c.URLs[0] != "http://a.test/" || c.URLs[1] != "http://b.test/" {
		t.Errorf("urls = %v", c.URLs)
	}
	if c.Mechanisms[0] != resolver.MechanismRoot || c.Mechanisms[1] != "httpHeaderRefresh" {
		t.Errorf("mechanisms = %v", c.Mechanisms)
	}
	if c.Hops != 1 {
		t.Errorf("hops = %d, want 1", c.Hops)
	}
	if !c.HasDownload || c.DownloadURL != "http://b.test/file.exe" {
		t.Errorf("download = %v %q", c.HasDownload, c.DownloadURL)
	}
}

func TestInitiators(t *testing.T) {
	records := []eventlog.Record{
		{
			Timestamp: 100,
			Event: &network.EventRequestWillBeSent{
				FrameID:   cdp.FrameID("F1"),
				LoaderID:  cdp.LoaderID("L1"),
				Request:   &network.Request{URL: "http://a.test/"},
				Initiator: &network.Initiator{Type: network.InitiatorTypeOther},
				Type:      network.ResourceTypeDocument,
			},
		},
		{
			Timestamp: 200,
			Event: &network.EventRequestWillBeSent{
				FrameID:  cdp.FrameID("F1"),
				LoaderID: cdp.LoaderID("L2"),
				Request:  &network.Request{URL: "http://c.test/"},
				Initiator: &network.Initiator{
					Type: network.InitiatorTypeScript,
					URL:  "http://a.test/",
				},
				Type: network.ResourceTypeDocument,
			},
		},
	}
	links := resolver.Resolve(records)
	tr := tree.Build(links)
	c := chain.Compose("s1", tr, links, "http://c.test/", nil, chain.DefaultOptions())
	if c == nil {
		t.Fatal("no chain composed")
	}

	result := &Result{
		Session: New("s1", "a.test", "http://c.test/", ""),
		Records: records,
		Links:   links,
		Tree:    tr,
		Chain:   c,
	}
	initiators := result.Initiators()
	if len(initiators) != 1 {
		t.Fatalf("got %d initiators, want 1", len(initiators))
	}
	end := tr.SearchNode("http://c.test/", false)
	initiator, ok := initiators[end]
	if !ok {
		t.Fatal("script hop has no initiator attribution")
	}
	if initiator != tr.Root() {
		t.Errorf("initiator = %+v, want root", initiator)
	}
}
