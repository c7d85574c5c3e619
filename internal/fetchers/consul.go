package fetchers

import (
	"context"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"

	"github.com/coalesce-dev/querycache"
	"github.com/coalesce-dev/querycache/events"
)

// ConsulKVFetcher is a sample QueryFn implementation reading a single
// Consul KV key, demonstrating the shape a real queryFn takes: build
// upstream arguments from fetchCtx.Key, issue the call bound to ctx,
// return decoded bytes or an error. The cache and observer own
// retry/backoff; QueryFn makes exactly one attempt per invocation.
type ConsulKVFetcher struct {
	client *consulapi.Client
	trace  events.Handler
}

// NewConsulKVFetcher builds a fetcher around a Consul API client created
// from addr and an optional ACL token. An empty token omits the header.
func NewConsulKVFetcher(addr, token string, cfg TransportConfig) (*ConsulKVFetcher, error) {
	httpClient, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	consulConfig := consulapi.DefaultConfig()
	if addr != "" {
		consulConfig.Address = addr
	}
	if token != "" {
		consulConfig.Token = token
	}
	consulConfig.HttpClient = httpClient

	client, err := consulapi.NewClient(consulConfig)
	if err != nil {
		return nil, errors.Wrap(err, "fetchers: consul")
	}
	return &ConsulKVFetcher{client: client}, nil
}

// OnTrace registers a low-volume diagnostic event sink.
func (f *ConsulKVFetcher) OnTrace(h events.Handler) { f.trace = h }

// QueryFn satisfies querycache.QueryFn: expects a key of the shape
// ["consul-kv", path].
func (f *ConsulKVFetcher) QueryFn(ctx context.Context, fetchCtx querycache.Context) (interface{}, error) {
	path, ok := kvPath(fetchCtx.Key.Parts())
	if !ok {
		return nil, errors.Errorf("fetchers: consul: expected key [\"consul-kv\", path], got %v", fetchCtx.Key.Parts())
	}

	pair, _, err := f.client.KV().Get(path, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "fetchers: consul: get %q", path)
	}
	if f.trace != nil {
		f.trace(events.Trace{Key: path, Message: "consul kv fetched"})
	}
	if pair == nil {
		return nil, errors.Errorf("fetchers: consul: key %q not found", path)
	}
	return pair.Value, nil
}

func kvPath(parts []interface{}) (string, bool) {
	if len(parts) != 2 {
		return "", false
	}
	tag, ok := parts[0].(string)
	if !ok || tag != "consul-kv" {
		return "", false
	}
	path, ok := parts[1].(string)
	return path, ok
}
