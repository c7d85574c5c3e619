package fetchers

import "testing"

func TestNewHTTPClientPlain(t *testing.T) {
	client, err := NewHTTPClient(DefaultTransportConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client == nil || client.Transport == nil {
		t.Fatalf("expected a configured http.Client")
	}
}

func TestNewHTTPClientInvalidCACert(t *testing.T) {
	cfg := DefaultTransportConfig()
	cfg.SSLEnabled = true
	cfg.SSLCACert = "/nonexistent/ca.pem"

	if _, err := NewHTTPClient(cfg); err == nil {
		t.Fatalf("expected an error for a CA file that does not exist")
	}
}
