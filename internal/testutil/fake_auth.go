// Package testutil provides shared fakes for Pylon package tests.
package testutil

import (
	"context"
	"net/http"

	pylon "github.com/eugener/pylon/internal"
)

// FakeAuth authenticates every request as a fixed identity. The zero
// value yields a normal-priority identity with default limits.
type FakeAuth struct {
	Identity pylon.Identity
}

// Authenticate returns a copy of the configured identity.
func (a FakeAuth) Authenticate(context.Context, *http.Request) (*pylon.Identity, error) {
	id := a.Identity
	if id.KeyID == "" {
		id.KeyID = "test-key"
	}
	if id.Priority == "" {
		id.Priority = pylon.PriorityNormal
	}
	return &id, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*pylon.Identity, error) {
	return nil, pylon.ErrUnauthorized
}
