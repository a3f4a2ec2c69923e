// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/go-amqp"
)

// lockLostCondition is the broker's outcome when a settlement references an
// expired or already-settled delivery
const lockLostCondition = "com.microsoft:message-lock-lost"

// InvalidArgumentError indicates that a caller-supplied identifier or message
// failed local validation; nothing was sent over the wire.
type InvalidArgumentError struct {
	Argument string
	Reason   string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Argument, e.Reason)
}

// DeliveryError indicates that the broker explicitly refused a send. The
// condition carries the broker-supplied error code.
type DeliveryError struct {
	Condition   string
	Description string
}

func (e *DeliveryError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("message not accepted: %s (%s)", e.Condition, e.Description)
	}
	return fmt.Sprintf("message not accepted: %s", e.Condition)
}

// LockLostError indicates that a settlement referenced a lock token that is
// no longer valid: the broker redelivered or discarded the message, or the
// delivery died with a faulted link.
type LockLostError struct {
	LockToken string
	Reason    string
}

func (e *LockLostError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("lock token %s is no longer valid: %s", e.LockToken, e.Reason)
	}
	return fmt.Sprintf("lock token %s is no longer valid", e.LockToken)
}

// ProtocolViolationError indicates an unexpected content type or malformed
// broker response
type ProtocolViolationError struct {
	Expected string
	Got      string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: expected content type %q, got %q", e.Expected, e.Got)
}

// TransientError indicates a connection or link fault. The shared session and
// the client's link are recreated transparently on the next call.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient transport error during %s: %s", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// classifySend translates a send failure. Timeouts pass through verbatim
// because the delivery outcome is unknown; broker dispositions become
// DeliveryErrors; everything else is a transient transport fault.
func classifySend(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return &DeliveryError{
			Condition:   string(amqpErr.Condition),
			Description: amqpErr.Description,
		}
	}
	return &TransientError{Op: "send", Err: err}
}

// classifySettle translates a settlement failure, distinguishing a lost lock
// from a transport fault
func classifySettle(lockToken string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && string(amqpErr.Condition) == lockLostCondition {
		return &LockLostError{LockToken: lockToken, Reason: amqpErr.Description}
	}
	return &TransientError{Op: "settle", Err: err}
}

// isLinkFault reports whether the error means the link (or what carries it)
// is no longer usable and should be recreated on the next call
func isLinkFault(err error) bool {
	var linkErr *amqp.LinkError
	var sessionErr *amqp.SessionError
	var connErr *amqp.ConnError
	return errors.As(err, &linkErr) || errors.As(err, &sessionErr) || errors.As(err, &connErr)
}
