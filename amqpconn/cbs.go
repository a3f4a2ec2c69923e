// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqpconn

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/hub-service-connector/token"
	"github.com/google/uuid"
)

// Claims-based-security management endpoint
const (
	cbsAddress   = "$cbs"
	cbsPutToken  = "put-token"
	cbsTokenType = "servicebus.windows.net:sastoken"
)

// authenticate obtains a token from the configured provider and asserts it on
// the session's CBS endpoint. It returns the token expiry so the refresh loop
// can be scheduled.
func (m *Manager) authenticate(ctx context.Context, s *session) (time.Time, error) {
	tok, err := m.config.TokenProvider.Token(ctx, m.audience())
	if err != nil {
		return time.Time{}, &AuthenticationError{Op: "acquire token", Err: err}
	}
	if err := putToken(ctx, s.session, m.audience(), tok); err != nil {
		return time.Time{}, err
	}
	m.ctx.WithField("ExpiresAt", tok.ExpiresAt).Debug("Authenticated")
	return tok.ExpiresAt, nil
}

// refreshToken re-sends a token on the current session, if one is open. The
// refresher treats ErrSessionNotOpen as "suspend until the next connect".
func (m *Manager) refreshToken(ctx context.Context) (time.Time, error) {
	s, ok := m.session.TryGet()
	if !ok {
		return time.Time{}, ErrSessionNotOpen
	}
	expires, err := m.authenticate(ctx, s)
	if err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// putToken performs one CBS exchange: a request on the management link pair
// and a status response that must be in the 2xx range.
func putToken(ctx context.Context, sess *amqp.Session, audience string, tok *token.Token) error {
	replyTo := "cbs-reply-" + uuid.NewString()
	sender, err := sess.NewSender(ctx, cbsAddress, &amqp.SenderOptions{
		Name: "cbs-sender-" + uuid.NewString(),
	})
	if err != nil {
		return classifyTransport("attach cbs sender", err)
	}
	defer sender.Close(ctx)
	receiver, err := sess.NewReceiver(ctx, cbsAddress, &amqp.ReceiverOptions{
		Name:          "cbs-receiver-" + uuid.NewString(),
		TargetAddress: replyTo,
	})
	if err != nil {
		return classifyTransport("attach cbs receiver", err)
	}
	defer receiver.Close(ctx)

	request := &amqp.Message{
		Properties: &amqp.MessageProperties{
			MessageID: uuid.NewString(),
			ReplyTo:   &replyTo,
		},
		ApplicationProperties: map[string]any{
			"operation": cbsPutToken,
			"type":      cbsTokenType,
			"name":      audience,
		},
		Value: tok.Value,
	}
	if err := sender.Send(ctx, request, nil); err != nil {
		return classifyTransport("send cbs token", err)
	}
	response, err := receiver.Receive(ctx, nil)
	if err != nil {
		return classifyTransport("receive cbs response", err)
	}
	receiver.AcceptMessage(ctx, response)

	code, description := cbsStatus(response)
	if code < 200 || code >= 300 {
		return &AuthenticationError{
			Op:          "put token",
			Description: fmt.Sprintf("status %d: %s", code, description),
		}
	}
	return nil
}

// cbsStatus extracts the status code and description from a CBS response.
// The code's integer width varies between broker implementations.
func cbsStatus(msg *amqp.Message) (int, string) {
	var code int
	var description string
	if msg.ApplicationProperties == nil {
		return 0, ""
	}
	switch v := msg.ApplicationProperties["status-code"].(type) {
	case int:
		code = v
	case int32:
		code = int(v)
	case int64:
		code = int(v)
	}
	if v, ok := msg.ApplicationProperties["status-description"].(string); ok {
		description = v
	}
	return code, description
}
