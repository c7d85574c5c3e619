package fetchers

import (
	"context"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"

	"github.com/coalesce-dev/querycache"
)

// VaultReadFetcher is a sample QueryFn implementation reading a single
// Vault secret path, following the same pattern as ConsulKVFetcher.
type VaultReadFetcher struct {
	client *vaultapi.Client
}

// NewVaultReadFetcher builds a fetcher around a Vault API client created
// from addr and token.
func NewVaultReadFetcher(addr, token string, cfg TransportConfig) (*VaultReadFetcher, error) {
	httpClient, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	vaultConfig := vaultapi.DefaultConfig()
	if addr != "" {
		vaultConfig.Address = addr
	}
	vaultConfig.HttpClient = httpClient

	client, err := vaultapi.NewClient(vaultConfig)
	if err != nil {
		return nil, errors.Wrap(err, "fetchers: vault")
	}
	if token != "" {
		client.SetToken(token)
	}
	return &VaultReadFetcher{client: client}, nil
}

// QueryFn satisfies querycache.QueryFn: expects a key of the shape
// ["vault-read", path].
func (f *VaultReadFetcher) QueryFn(ctx context.Context, fetchCtx querycache.Context) (interface{}, error) {
	path, ok := readPath(fetchCtx.Key.Parts())
	if !ok {
		return nil, errors.Errorf("fetchers: vault: expected key [\"vault-read\", path], got %v", fetchCtx.Key.Parts())
	}

	secret, err := f.client.Logical().Read(path)
	if err != nil {
		return nil, errors.Wrapf(err, "fetchers: vault: read %q", path)
	}
	if secret == nil {
		return nil, errors.Errorf("fetchers: vault: path %q not found", path)
	}
	return secret.Data, nil
}

func readPath(parts []interface{}) (string, bool) {
	if len(parts) != 2 {
		return "", false
	}
	tag, ok := parts[0].(string)
	if !ok || tag != "vault-read" {
		return "", false
	}
	path, ok := parts[1].(string)
	return path, ok
}
