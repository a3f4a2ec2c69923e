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

// FileNotificationEvent is one file-upload notification from the hub
type FileNotificationEvent struct {
	types.FileNotification
	LockToken string
}

// FileNotificationReceiver pulls notifications about device file uploads
type FileNotificationReceiver struct {
	recv *receiver
}

// NewFileNotificationReceiver returns a receiver for the hub's
// file-notification endpoint
func NewFileNotificationReceiver(conn *amqpconn.Manager, prefetch int32, ctx log.Interface) *FileNotificationReceiver {
	ctx = ctx.WithField("Client", "FileNotification")
	return &FileNotificationReceiver{
		recv: newReceiver(func(ctx context.Context) (receiveLink, error) {
			return conn.CreateReceivingLink(ctx, FileNotificationPath, prefetch)
		}, FileNotificationContentType, prefetch, ctx),
	}
}

// Receive waits up to the caller's budget for the next notification. It
// returns (nil, nil) when none arrives in time.
func (r *FileNotificationReceiver) Receive(ctx context.Context) (*FileNotificationEvent, error) {
	msg, lockToken, err := r.recv.receive(ctx)
	if err != nil || msg == nil {
		return nil, err
	}
	var notification types.FileNotification
	if err := json.Unmarshal(payload(msg), &notification); err != nil {
		if settleErr := r.recv.settle(ctx, lockToken, false); settleErr != nil {
			r.recv.ctx.WithError(settleErr).Warn("Could not release malformed file notification")
		}
		return nil, &ProtocolViolationError{
			Expected: FileNotificationContentType,
			Got:      fmt.Sprintf("malformed file notification payload: %s", err),
		}
	}
	r.recv.ctx.WithField("DeviceID", notification.DeviceID).Debug("Received file notification")
	return &FileNotificationEvent{FileNotification: notification, LockToken: lockToken}, nil
}

// Complete settles the notification with the broker's accepted outcome
func (r *FileNotificationReceiver) Complete(ctx context.Context, event *FileNotificationEvent) error {
	if event == nil {
		return &InvalidArgumentError{Argument: "event", Reason: "must not be nil"}
	}
	return r.recv.settle(ctx, event.LockToken, true)
}

// Abandon settles the notification with the released outcome, returning it
// to the queue for redelivery
func (r *FileNotificationReceiver) Abandon(ctx context.Context, event *FileNotificationEvent) error {
	if event == nil {
		return &InvalidArgumentError{Argument: "event", Reason: "must not be nil"}
	}
	return r.recv.settle(ctx, event.LockToken, false)
}

// Close detaches the receiving link
func (r *FileNotificationReceiver) Close(ctx context.Context) {
	r.recv.close(ctx)
}
