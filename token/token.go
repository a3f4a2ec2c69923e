// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package token provides the credential sources used for claims-based
// security on the hub's AMQP endpoint.
package token

import (
	"context"
	"time"
)

// Token is a signed credential granting time-bounded access to a resource scope
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Provider returns a fresh token asserting access to the given audience.
// Implementations must be safe for concurrent use; the connection manager
// calls the provider from the background refresh loop as well as from Open.
type Provider interface {
	Token(ctx context.Context, audience string) (*Token, error)
}
