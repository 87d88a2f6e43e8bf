package utils

import (
	"strings"
	"testing"
)

func TestServiceKeyRoundTrip(t *testing.T) {
	key, hash, err := GenerateServiceKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(key, ServiceKeyPrefix) {
		t.Fatalf("missing prefix: %s", key)
	}
	if !CheckServiceKey(key, hash) {
		t.Fatalf("key should match its hash")
	}
	if CheckServiceKey(key+"x", hash) {
		t.Fatalf("tampered key matched")
	}
	if CheckServiceKey(key, "not-a-hash") {
		t.Fatalf("garbage hash matched")
	}
}
