// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqpconn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// CreateSendingLink attaches a sending link for the given endpoint path to
// the current session, creating the session first if needed. The link uses
// unsettled (at-least-once) mode so that every send awaits the broker's
// disposition.
func (m *Manager) CreateSendingLink(ctx context.Context, path string) (*amqp.Sender, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	s, err := m.session.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	sender, err := s.session.NewSender(ctx, path, &amqp.SenderOptions{
		Name:           linkName("sender", path),
		SettlementMode: amqp.SenderSettleModeUnsettled.Ptr(),
		Properties:     m.linkProperties(),
	})
	if err != nil {
		if sender != nil {
			sender.Close(context.Background())
		}
		m.invalidateOnTransportError(s, err)
		return nil, classifyTransport("attach sending link", err)
	}
	m.ctx.WithField("Path", path).Debug("Attached sending link")
	return sender, nil
}

// CreateReceivingLink attaches a receiving link for the given endpoint path.
// The link uses second (explicit) settlement mode: the application settles
// every delivery. With zero prefetch the link issues no flow credit on its
// own and the caller pulls explicitly; a non-zero prefetch flows credit
// continuously.
func (m *Manager) CreateReceivingLink(ctx context.Context, path string, prefetch int32) (*amqp.Receiver, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	s, err := m.session.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	options := &amqp.ReceiverOptions{
		Name:           linkName("receiver", path),
		SettlementMode: amqp.ReceiverSettleModeSecond.Ptr(),
		Properties:     m.linkProperties(),
		Credit:         -1,
	}
	if prefetch > 0 {
		options.Credit = prefetch
	}
	receiver, err := s.session.NewReceiver(ctx, path, options)
	if err != nil {
		if receiver != nil {
			receiver.Close(context.Background())
		}
		m.invalidateOnTransportError(s, err)
		return nil, classifyTransport("attach receiving link", err)
	}
	m.ctx.WithFields(log.Fields{
		"Path":     path,
		"Prefetch": prefetch,
	}).Debug("Attached receiving link")
	return receiver, nil
}

func (m *Manager) linkProperties() map[string]any {
	return map[string]any{
		"client-version": ClientVersion,
		"timeout":        int64(m.config.OperationTimeout / time.Millisecond),
	}
}

func linkName(role, path string) string {
	return fmt.Sprintf("%s%s-%s", role, strings.ReplaceAll(path, "/", "-"), uuid.NewString())
}
