package tree

import (
	"strings"
	"testing"

	"github.com/nlnwa/veidemann-redirect-tracer/pkg/resolver"
)

func link(url, parent, mechanism string, ts int64) resolver.Link {
	return resolver.Link{
		URL:          url,
		ResourceKind: resolver.KindDocument,
		ParentURL:    parent,
		Mechanism:    mechanism,
		Timestamp:    ts,
	}
}

func rootLink(url string, ts int64) resolver.Link {
	return link(url, "", resolver.MechanismRoot, ts)
}

func chainLinks() []resolver.Link {
	return []resolver.Link{
		rootLink("http://a.test/", 100),
		link("http://b.test/", "http://a.test/", resolver.MechanismRedirect, 110),
		link("http://c.test/", "http://b.test/", "script", 120),
		link("http://b.test/ad", "http://b.test/", "script", 130),
	}
}

func TestBuildChain(t *testing.T) {
	tr := Build(chainLinks())
	if tr == nil {
		t.Fatal("Build returned nil")
	}
	if tr.Len() != 4 {
		t.Fatalf("tree has %d nodes, want 4", tr.Len())
	}
	root := tr.Root()
	if root.URL != "http://a.test/" || root.Depth != 1 {
		t.Errorf("root = %+v", root)
	}
	b := root.Children()[0]
	if len(b.Children()) != 2 {
		t.Errorf("b.test has %d children, want 2", len(b.Children()))
	}
	if b.Children()[0].Parent() != b {
		t.Error("child's parent is not b")
	}
}

func TestBuildRequiresRoot(t *testing.T) {
	if tr := Build(nil); tr != nil {
		t.Error("expected nil tree for no links")
	}
	noRoot := []resolver.Link{link("http://b.test/", "http://a.test/", "script", 100)}
	if tr := Build(noRoot); tr != nil {
		t.Error("expected nil tree when first link is not the root navigation")
	}
}

func TestBuildDropsOrphans(t *testing.T) {
	links := []resolver.Link{
		rootLink("http://a.test/", 100),
		link("http://x.test/", "http://never-seen.test/", "script", 110),
	}
	tr := Build(links)
	if tr.Len() != 1 {
		t.Fatalf("tree has %d nodes, want 1", tr.Len())
	}
}

func TestBuildLoopAttachesToLatest(t *testing.T) {
	// a -> b -> a -> b: the second visit to b must hang off the second
	// visit to a, not the root.
	links := []resolver.Link{
		rootLink("http://a.test/", 100),
		link("http://b.test/", "http://a.test/", resolver.MechanismRedirect, 110),
		link("http://a.test/", "http://b.test/", resolver.MechanismRedirect, 120),
		link("http://b.test/", "http://a.test/", resolver.MechanismRedirect, 130),
	}
	tr := Build(links)
	if tr.Len() != 4 {
		t.Fatalf("tree has %d nodes, want 4", tr.Len())
	}
	last := tr.nodes[3]
	if last.Parent() != tr.nodes[2] {
		t.Errorf("revisited url attached to node %d, want the latest occurrence", last.Parent().id)
	}
	if last.Depth != 4 {
		t.Errorf("last depth = %d, want 4", last.Depth)
	}
}

func TestBuildSplitsFragment(t *testing.T) {
	links := []resolver.Link{
		rootLink("http://a.test/page#top", 100),
	}
	tr := Build(links)
	root := tr.Root()
	if root.URL != "http://a.test/page" || root.Fragment != "#top" {
		t.Errorf("root = %q + %q", root.URL, root.Fragment)
	}
	if root.FullURL() != "http://a.test/page#top" {
		t.Errorf("FullURL = %q", root.FullURL())
	}
}

func TestSearchNode(t *testing.T) {
	links := []resolver.Link{
		rootLink("http://a.test/", 100),
		link("http://b.test/page#frag", "http://a.test/", resolver.MechanismRedirect, 110),
	}
	tr := Build(links)

	if n := tr.SearchNode("http://B.test/p%61ge", false); n == nil || n.URL != "http://b.test/page" {
		t.Errorf("case and percent-encoding insensitive search failed: %+v", n)
	}
	if n := tr.SearchNode("http://b.test/page#frag", true); n == nil {
		t.Error("fragment-sensitive search missed existing node")
	}
	if n := tr.SearchNode("http://b.test/page#other", true); n != nil {
		t.Errorf("fragment-sensitive search matched wrong fragment: %+v", n)
	}
	if n := tr.SearchNode("http://nowhere.test/", false); n != nil {
		t.Errorf("search found nonexistent url: %+v", n)
	}
}

func TestExactMatch(t *testing.T) {
	tr := Build(chainLinks())
	if n := tr.ExactMatch("http://b.test/", 110); n == nil || n.Timestamp != 110 {
		t.Errorf("ExactMatch = %+v", n)
	}
	if n := tr.ExactMatch("http://b.test/", 999); n != nil {
		t.Errorf("timestamp mismatch still matched: %+v", n)
	}
	if n := tr.ExactMatch("http://B.test/", 110); n == nil {
		t.Error("url comparison should ignore case")
	}
}

func TestIntermediaries(t *testing.T) {
	tr := Build(chainLinks())
	end := tr.SearchNode("http://c.test/", false)

	path := tr.Intermediaries(nil, end)
	if len(path) != 3 {
		t.Fatalf("path has %d nodes, want 3", len(path))
	}
	if path[0] != tr.Root() || path[2] != end {
		t.Error("path endpoints wrong")
	}

	// Sibling is not a descendant of c.
	sibling := tr.SearchNode("http://b.test/ad", false)
	if got := tr.Intermediaries(end, sibling); got != nil {
		t.Errorf("expected empty path between unrelated nodes, got %d", len(got))
	}
}

func TestHeightAndLeaves(t *testing.T) {
	tr := Build(chainLinks())
	if h := tr.Height(nil); h != 3 {
		t.Errorf("height = %d, want 3", h)
	}
	leaves := tr.Leaves()
	if len(leaves) != 2 {
		t.Errorf("leaves = %d, want 2", len(leaves))
	}
	if h := tr.Height(leaves[0]); h != 1 {
		t.Errorf("leaf height = %d, want 1", h)
	}
}

func TestResourceNodes(t *testing.T) {
	links := chainLinks()
	links = append(links, resolver.Link{
		URL:          "http://b.test/payload.exe",
		ResourceKind: resolver.KindDownload,
		ParentURL:    "http://b.test/",
		Mechanism:    "script",
		Timestamp:    140,
	})
	tr := Build(links)
	downloads := tr.ResourceNodes(resolver.KindDownload)
	if len(downloads) != 1 || downloads[0].URL != "http://b.test/payload.exe" {
		t.Errorf("downloads = %+v", downloads)
	}
	if docs := tr.ResourceNodes(resolver.KindDocument); len(docs) != 4 {
		t.Errorf("document nodes = %d, want 4", len(docs))
	}
}

func TestInitiatorNode(t *testing.T) {
	// a visited twice; a script request based at c must attribute to the
	// occurrence of a closest in time, and never to the base node itself.
	links := []resolver.Link{
		rootLink("http://a.test/", 100),
		link("http://b.test/", "http://a.test/", resolver.MechanismRedirect, 110),
		link("http://a.test/", "http://b.test/", resolver.MechanismRedirect, 120),
		link("http://c.test/", "http://a.test/", "script", 130),
	}
	tr := Build(links)
	base := tr.SearchNode("http://c.test/", false)

	n := tr.InitiatorNode("http://a.test/", base)
	if n == nil || n.Timestamp != 120 {
		t.Fatalf("initiator = %+v, want the later occurrence of a.test", n)
	}

	// The base node never attributes to itself when an earlier visit of
	// the same url exists.
	if self := tr.InitiatorNode("http://c.test/", base); self != base {
		// Only one occurrence of c exists, so the first-match rule keeps it.
		t.Errorf("single occurrence lookup = %+v", self)
	}

	if n := tr.InitiatorNode("http://unknown.test/", base); n != nil {
		t.Errorf("unknown initiator url = %+v, want nil", n)
	}
}

func TestInitiatorNodeIgnoresLaterVisits(t *testing.T) {
	links := []resolver.Link{
		rootLink("http://a.test/", 100),
		link("http://b.test/", "http://a.test/", "script", 110),
		link("http://a.test/", "http://b.test/", resolver.MechanismRedirect, 200),
	}
	tr := Build(links)
	base := tr.SearchNode("http://b.test/", false)
	n := tr.InitiatorNode("http://a.test/", base)
	if n == nil || n.Timestamp != 100 {
		t.Errorf("initiator = %+v, want the visit before base", n)
	}
}

func TestDumpRecoverRoundTrip(t *testing.T) {
	tr := Build(chainLinks())
	records := tr.Dump()
	if len(records) != 4 {
		t.Fatalf("dump has %d records, want 4", len(records))
	}
	if records[0].Parent != "" {
		t.Errorf("root record has parent %q", records[0].Parent)
	}

	got, err := Recover(records)
	if err != nil {
		t.Fatalf("Recover returned error: %v", err)
	}
	if got.Len() != tr.Len() {
		t.Fatalf("recovered %d nodes, want %d", got.Len(), tr.Len())
	}
	for i, n := range got.nodes {
		orig := tr.BFS()[i]
		if n.FullURL() != orig.FullURL() || n.Depth != orig.Depth || n.Mechanism != orig.Mechanism {
			t.Errorf("node %d = %+v, want %+v", i, n, orig)
		}
	}
}

func TestRender(t *testing.T) {
	tr := Build(chainLinks())
	var sb strings.Builder
	if err := tr.Render(&sb); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("rendered %d lines, want 4", len(lines))
	}
	if !strings.HasPrefix(lines[0], "> http://a.test/") {
		t.Errorf("root line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "--> http://b.test/") {
		t.Errorf("depth 2 line = %q", lines[1])
	}
}
