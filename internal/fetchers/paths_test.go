package fetchers

import "testing"

func TestKVPath(t *testing.T) {
	if path, ok := kvPath([]interface{}{"consul-kv", "config/app"}); !ok || path != "config/app" {
		t.Fatalf("got (%q, %v), want (\"config/app\", true)", path, ok)
	}
	if _, ok := kvPath([]interface{}{"wrong-tag", "x"}); ok {
		t.Fatalf("expected false for a mismatched tag")
	}
	if _, ok := kvPath([]interface{}{"consul-kv"}); ok {
		t.Fatalf("expected false for a wrong-length key")
	}
}

func TestReadPath(t *testing.T) {
	if path, ok := readPath([]interface{}{"vault-read", "secret/data/app"}); !ok || path != "secret/data/app" {
		t.Fatalf("got (%q, %v), want (\"secret/data/app\", true)", path, ok)
	}
	if _, ok := readPath([]interface{}{"wrong-tag", "x"}); ok {
		t.Fatalf("expected false for a mismatched tag")
	}
}
