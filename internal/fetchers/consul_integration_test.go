package fetchers

import (
	"context"
	"flag"
	"io/ioutil"
	"sync"
	"testing"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/hashicorp/consul/sdk/testutil"

	querycache "github.com/coalesce-dev/querycache"
)

var runIntegration = flag.Bool("integration", false, "run tests against a real consul agent via consul/sdk/testutil")

// testingTB adapts a plain *testing.T to testutil.TestingTB, the narrow
// interface testutil.NewTestServerConfigT needs, following the same shim
// the teacher's internal/test package used to drive a real consul agent
// from TestMain rather than from *testing.T directly.
type testingTB struct {
	sync.Mutex
	cleanup func()
}

var _ testutil.TestingTB = (*testingTB)(nil)

func (*testingTB) Failed() bool                  { return false }
func (*testingTB) Logf(string, ...interface{})   {}
func (*testingTB) Fatalf(string, ...interface{}) {}
func (*testingTB) Name() string                  { return "querycache-fetchers" }
func (*testingTB) Helper()                       {}
func (t *testingTB) Cleanup(f func()) {
	t.Lock()
	defer t.Unlock()
	prev := t.cleanup
	t.cleanup = func() {
		f()
		if prev != nil {
			prev()
		}
	}
}

// TestConsulKVFetcherAgainstRealAgent exercises ConsulKVFetcher.QueryFn
// end to end against a real, ephemeral consul agent, the way the teacher's
// own integration tests exercised dependency fetchers. Skipped by default
// since it needs a consul binary on PATH; run with -integration.
func TestConsulKVFetcherAgainstRealAgent(t *testing.T) {
	if !*runIntegration {
		t.Skip("set -integration to run against a real consul agent via consul/sdk/testutil")
	}

	tb := &testingTB{}
	server, err := testutil.NewTestServerConfigT(tb, func(c *testutil.TestServerConfig) {
		c.LogLevel = "error"
		c.Stdout = ioutil.Discard
		c.Stderr = ioutil.Discard
	})
	if err != nil {
		t.Fatalf("failed to start consul test server: %v", err)
	}
	defer server.Stop()

	seedClient, err := consulapi.NewClient(&consulapi.Config{Address: server.HTTPAddr})
	if err != nil {
		t.Fatalf("building seed consul client: %v", err)
	}
	if _, err := seedClient.KV().Put(&consulapi.KVPair{Key: "app/config", Value: []byte("hello")}, nil); err != nil {
		t.Fatalf("seeding consul kv: %v", err)
	}

	fetcher, err := NewConsulKVFetcher(server.HTTPAddr, "", DefaultTransportConfig())
	if err != nil {
		t.Fatalf("NewConsulKVFetcher: %v", err)
	}

	key, err := querycache.New("consul-kv", "app/config")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := fetcher.QueryFn(context.Background(), querycache.Context{Key: key})
	if err != nil {
		t.Fatalf("QueryFn: %v", err)
	}
	if string(v.([]byte)) != "hello" {
		t.Fatalf("got %q, want %q", v, "hello")
	}
}
