package kms

import (
	"context"
	"testing"

	"github.com/project-ai/tarl/pkg/memcipher"
)

func TestLocalProvider(t *testing.T) {
	var p Provider = LocalProvider{}

	key, err := p.ProvisionKey(context.Background())
	if err != nil {
		t.Fatalf("ProvisionKey() failed: %v", err)
	}
	defer key.Release()

	if key.Len() != memcipher.KeySize {
		t.Errorf("key length = %d, want %d", key.Len(), memcipher.KeySize)
	}

	// Two provisioned keys must differ.
	other, err := p.ProvisionKey(context.Background())
	if err != nil {
		t.Fatalf("ProvisionKey() failed: %v", err)
	}
	defer other.Release()

	a, err := key.Bytes()
	if err != nil {
		t.Fatalf("Bytes() failed: %v", err)
	}
	b, err := other.Bytes()
	if err != nil {
		t.Fatalf("Bytes() failed: %v", err)
	}
	if string(a) == string(b) {
		t.Error("two provisioned keys are identical")
	}
}

func TestLocalProviderHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := (LocalProvider{}).ProvisionKey(ctx); err == nil {
		t.Fatal("ProvisionKey() with cancelled context succeeded")
	}
}

func TestClientConfigDefaults(t *testing.T) {
	cfg := DefaultConfig("kms.internal:7012")
	if cfg.Endpoint != "kms.internal:7012" {
		t.Errorf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		t.Error("Timeout not set")
	}
}
