package devicemodel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
)

const (
	r700ID    = "dtmi:impinj:R700;1"
	readerID  = "dtmi:impinj:common:Reader;1"
	wioID     = "dtmi:seeed:wioterminal_aziot_example;1"
	leftID    = "dtmi:example:Left;1"
	rightID   = "dtmi:example:Right;1"
	twoSideID = "dtmi:example:TwoSided;1"
)

// r700Doc has a top-level writable Hostname and an R700 component.
const r700Doc = `{
  "@context": "dtmi:dtdl:context;2",
  "@id": "dtmi:impinj:R700;1",
  "@type": "Interface",
  "displayName": {"en": "Impinj R700"},
  "contents": [
    {"@type": "Property", "name": "serialNumber", "schema": "string"},
    {"@type": "Component", "name": "R700", "schema": "dtmi:impinj:common:Reader;1"}
  ]
}`

const readerDoc = `{
  "@context": "dtmi:dtdl:context;2",
  "@id": "dtmi:impinj:common:Reader;1",
  "@type": "Interface",
  "displayName": "Reader",
  "contents": [
    {
      "@type": "Property",
      "name": "Hostname",
      "writable": true,
      "schema": {
        "@type": "Object",
        "fields": [
          {"name": "hostname", "schema": "string"},
          {"name": "dhcp", "schema": "boolean"}
        ]
      }
    },
    {
      "@type": "Command",
      "name": "Presets",
      "request": {"name": "preset", "schema": "string"},
      "response": {"name": "status", "schema": "integer"}
    },
    {"@type": ["Telemetry", "Temperature"], "name": "temperature", "schema": "double"},
    {
      "@type": "Property",
      "name": "mode",
      "schema": {
        "@type": "Enum",
        "valueSchema": "string",
        "enumValues": [
          {"name": "inventory", "enumValue": "inventory"},
          {"name": "idle", "enumValue": "idle"}
        ]
      }
    }
  ]
}`

// wioDoc declares everything on the top-level interface.
const wioDoc = `{
  "@context": "dtmi:dtdl:context;2",
  "@id": "dtmi:seeed:wioterminal_aziot_example;1",
  "@type": "Interface",
  "contents": [
    {"@type": "Property", "name": "Hostname", "writable": true, "schema": "string"},
    {"@type": "Command", "name": "ringBuzzer", "request": {"name": "duration", "schema": "integer"}},
    {"@type": "Telemetry", "name": "light", "schema": "integer"}
  ]
}`

// twoSidedDoc is an expanded document: two components declare the same names.
const twoSidedDoc = `[
  {
    "@id": "dtmi:example:TwoSided;1",
    "@type": "Interface",
    "contents": [
      {"@type": "Component", "name": "right", "schema": "dtmi:example:Right;1"},
      {"@type": "Component", "name": "left", "schema": "dtmi:example:Left;1"}
    ]
  },
  {
    "@id": "dtmi:example:Left;1",
    "@type": "Interface",
    "contents": [{"@type": "Command", "name": "reboot"}]
  },
  {
    "@id": "dtmi:example:Right;1",
    "@type": "Interface",
    "contents": [{"@type": "Command", "name": "reboot"}]
  }
]`

// testRepository lays the fixtures out like a models repository.
func testRepository() fstest.MapFS {
	return fstest.MapFS{
		"dtmi/impinj/r700-1.json":                     {Data: []byte(r700Doc)},
		"dtmi/impinj/common/reader-1.json":            {Data: []byte(readerDoc)},
		"dtmi/seeed/wioterminal_aziot_example-1.json": {Data: []byte(wioDoc)},
		"dtmi/example/twosided-1.json":                {Data: []byte(twoSidedDoc)},
	}
}

// countingFetcher wraps a Fetcher and counts calls per model ID.
type countingFetcher struct {
	inner Fetcher
	total atomic.Int64

	mu    sync.Mutex
	calls map[string]int

	// gate, when set, blocks every fetch until closed.
	gate chan struct{}
}

func newCountingFetcher(inner Fetcher) *countingFetcher {
	return &countingFetcher{inner: inner, calls: make(map[string]int)}
}

func (f *countingFetcher) Fetch(ctx context.Context, id string) ([]byte, error) {
	f.total.Add(1)
	f.mu.Lock()
	f.calls[id]++
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	return f.inner.Fetch(ctx, id)
}

func (f *countingFetcher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// failingFetcher always fails with err.
type failingFetcher struct {
	err   error
	calls atomic.Int64
}

func (f *failingFetcher) Fetch(context.Context, string) ([]byte, error) {
	f.calls.Add(1)
	return nil, f.err
}

// recordingLogger captures Error calls.
type recordingLogger struct {
	noopLogger
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func mustParse(t *testing.T, root string, docs ...string) *Graph {
	t.Helper()
	raw := make([][]byte, len(docs))
	for i, d := range docs {
		raw[i] = []byte(d)
	}
	g, err := Parse(root, raw...)
	if err != nil {
		t.Fatalf("Parse(%s) error = %v", root, err)
	}
	return g
}
