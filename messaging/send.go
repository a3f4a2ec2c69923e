// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package messaging

import (
	"context"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/hub-service-connector/amqpconn"
	"github.com/TheThingsNetwork/hub-service-connector/holder"
	"github.com/apex/log"
)

// sendLink is the part of an AMQP sender the client uses. *amqp.Sender
// implements it.
type sendLink interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
	Close(ctx context.Context) error
}

// SendClient delivers device-bound messages and confirms broker acceptance
type SendClient struct {
	ctx     log.Interface
	link    *holder.Holder[sendLink]
	nextTag func() []byte
}

// NewSendClient returns a new SendClient on the given connection. The
// sending link is created on first use. Delivery tags come from the
// connection's shared counter.
func NewSendClient(conn *amqpconn.Manager, ctx log.Interface) *SendClient {
	return newSendClient(func(ctx context.Context) (sendLink, error) {
		return conn.CreateSendingLink(ctx, DeviceBoundPath)
	}, conn.NextDeliveryTag, ctx)
}

func newSendClient(factory holder.Factory[sendLink], nextTag func() []byte, ctx log.Interface) *SendClient {
	return &SendClient{
		ctx: ctx.WithField("Client", "Send"),
		link: holder.New(factory, func(ctx context.Context, link sendLink) {
			link.Close(ctx)
		}),
		nextTag: nextTag,
	}
}

// Send delivers one message to a device and awaits the broker's disposition.
// A nil error means the broker accepted the message; a DeliveryError carries
// the broker's refusal condition; a timeout means the outcome is unknown.
func (c *SendClient) Send(ctx context.Context, deviceID string, message *Message) error {
	return c.send(ctx, deviceID, "", message)
}

// SendToModule delivers one message to a module on a device
func (c *SendClient) SendToModule(ctx context.Context, deviceID, moduleID string, message *Message) error {
	if moduleID == "" {
		return &InvalidArgumentError{Argument: "moduleID", Reason: "must not be empty"}
	}
	return c.send(ctx, deviceID, moduleID, message)
}

func (c *SendClient) send(ctx context.Context, deviceID, moduleID string, message *Message) error {
	if deviceID == "" {
		return &InvalidArgumentError{Argument: "deviceID", Reason: "must not be empty"}
	}
	if message == nil {
		return &InvalidArgumentError{Argument: "message", Reason: "must not be nil"}
	}
	link, err := c.link.GetOrCreate(ctx)
	if err != nil {
		return err
	}

	to := deviceBoundAddress(deviceID, moduleID)
	msg := message.toAMQP()
	msg.Properties.To = &to
	msg.DeliveryTag = c.nextTag()

	if err := link.Send(ctx, msg, nil); err != nil {
		if isLinkFault(err) {
			c.link.InvalidateResource(link)
		}
		sendsTotal.WithLabelValues("error").Inc()
		return classifySend(err)
	}
	sendsTotal.WithLabelValues("ok").Inc()
	c.ctx.WithField("DeviceID", deviceID).Debug("Sent message")
	return nil
}

// Close detaches the sending link. The client recreates it if used again.
func (c *SendClient) Close(ctx context.Context) {
	c.link.Close(ctx)
}
