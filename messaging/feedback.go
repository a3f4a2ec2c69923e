// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TheThingsNetwork/hub-service-connector/amqpconn"
	"github.com/TheThingsNetwork/hub-service-connector/types"
	"github.com/apex/log"
)

// FeedbackBatch is one batched-feedback message from the hub. Its lock token
// stays valid until the batch is completed, abandoned or redelivered.
type FeedbackBatch struct {
	Records   []types.FeedbackRecord
	LockToken string
}

// FeedbackReceiver pulls batched delivery feedback for device-bound messages
type FeedbackReceiver struct {
	recv *receiver
}

// NewFeedbackReceiver returns a receiver for the hub's feedback endpoint.
// With zero prefetch the receiver pulls one batch per Receive call; a
// non-zero prefetch keeps credit flowing continuously.
func NewFeedbackReceiver(conn *amqpconn.Manager, prefetch int32, ctx log.Interface) *FeedbackReceiver {
	ctx = ctx.WithField("Client", "Feedback")
	return &FeedbackReceiver{
		recv: newReceiver(func(ctx context.Context) (receiveLink, error) {
			return conn.CreateReceivingLink(ctx, FeedbackPath, prefetch)
		}, FeedbackContentType, prefetch, ctx),
	}
}

// Receive waits up to the caller's budget for the next feedback batch. It
// returns (nil, nil) when no batch arrives in time.
func (r *FeedbackReceiver) Receive(ctx context.Context) (*FeedbackBatch, error) {
	msg, lockToken, err := r.recv.receive(ctx)
	if err != nil || msg == nil {
		return nil, err
	}
	var records []types.FeedbackRecord
	if err := json.Unmarshal(payload(msg), &records); err != nil {
		if settleErr := r.recv.settle(ctx, lockToken, false); settleErr != nil {
			r.recv.ctx.WithError(settleErr).Warn("Could not release malformed feedback message")
		}
		return nil, &ProtocolViolationError{
			Expected: FeedbackContentType,
			Got:      fmt.Sprintf("malformed feedback payload: %s", err),
		}
	}
	r.recv.ctx.WithField("Records", len(records)).Debug("Received feedback batch")
	return &FeedbackBatch{Records: records, LockToken: lockToken}, nil
}

// Complete settles the batch with the broker's accepted outcome, permanently
// removing it from the feedback queue
func (r *FeedbackReceiver) Complete(ctx context.Context, batch *FeedbackBatch) error {
	if batch == nil {
		return &InvalidArgumentError{Argument: "batch", Reason: "must not be nil"}
	}
	return r.recv.settle(ctx, batch.LockToken, true)
}

// Abandon settles the batch with the released outcome, returning it to the
// queue for redelivery
func (r *FeedbackReceiver) Abandon(ctx context.Context, batch *FeedbackBatch) error {
	if batch == nil {
		return &InvalidArgumentError{Argument: "batch", Reason: "must not be nil"}
	}
	return r.recv.settle(ctx, batch.LockToken, false)
}

// Close detaches the receiving link
func (r *FeedbackReceiver) Close(ctx context.Context) {
	r.recv.close(ctx)
}
