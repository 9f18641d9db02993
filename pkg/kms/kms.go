// Package kms provisions memory-cipher key material for VM instances.
//
// The VM never derives or persists its own key: it receives a key handle
// from a Provider at construction time. Two providers are included: a gRPC
// client for a remote key service, and a local provider that draws a
// one-shot key from crypto/rand for tests and offline runs.
package kms

import (
	"context"

	"github.com/project-ai/tarl/pkg/keystore"
	"github.com/project-ai/tarl/pkg/memcipher"
)

// Provider supplies key material in locked memory. The caller (normally a VM
// instance) takes ownership of the returned handle and must release it.
type Provider interface {
	// ProvisionKey returns a fresh memory-cipher key.
	ProvisionKey(ctx context.Context) (*keystore.KeyHandle, error)
}

// LocalProvider generates keys in-process from crypto/rand. Suitable for
// tests and single-host deployments where no external key service exists.
type LocalProvider struct{}

// ProvisionKey implements Provider.
func (LocalProvider) ProvisionKey(ctx context.Context) (*keystore.KeyHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return keystore.NewRandomKeyHandle(memcipher.KeySize)
}
