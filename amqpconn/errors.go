// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqpconn

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/go-amqp"
)

// Configuration errors
var (
	// ErrNoHostName is returned when the configuration misses the hub host name
	ErrNoHostName = errors.New("no hub host name configured")
	// ErrNoTokenProvider is returned when the configuration misses a token provider
	ErrNoTokenProvider = errors.New("no token provider configured")
)

// ErrSessionNotOpen is returned by a token refresh when there is no open
// session to refresh
var ErrSessionNotOpen = errors.New("no open session")

// AuthenticationError indicates a TLS or claims-based-security handshake
// failure
type AuthenticationError struct {
	Op          string
	Description string
	Err         error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed during %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("authentication failed during %s: %s", e.Op, e.Description)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransportError indicates a connection, session or link level fault. The
// session cache recovers from these transparently: the next acquisition
// reconnects instead of reusing the dead handle.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// classifyTransport translates an AMQP library error into the connector's
// taxonomy. Timeouts and cancellations pass through verbatim so callers can
// distinguish "outcome unknown" from a definitive failure.
func classifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if isCertificateError(err) {
		return &AuthenticationError{Op: op, Err: err}
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Condition == amqp.ErrCondUnauthorizedAccess {
		return &AuthenticationError{Op: op, Err: err}
	}
	return &TransportError{Op: op, Err: err}
}

// isConnectionFault reports whether the error means the connection or session
// is no longer usable
func isConnectionFault(err error) bool {
	var connErr *amqp.ConnError
	var sessionErr *amqp.SessionError
	return errors.As(err, &connErr) || errors.As(err, &sessionErr)
}
