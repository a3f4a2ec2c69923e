// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package messaging

import (
	"fmt"
	"net/url"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
)

// Endpoint paths on the hub
const (
	// DeviceBoundPath is the sending path for device-bound messages
	DeviceBoundPath = "/messages/deviceBound"
	// FeedbackPath is the receiving path for delivery feedback
	FeedbackPath = "/messages/serviceBound/feedback"
	// FileNotificationPath is the receiving path for file-upload notifications
	FileNotificationPath = "/messages/serviceBound/filenotifications"
)

// Content types the receivers validate before deserializing
const (
	// FeedbackContentType marks a batched-feedback message
	FeedbackContentType = "application/vnd.microsoft.iothub.feedback.json"
	// FileNotificationContentType marks a single file-upload notification
	FileNotificationContentType = "application/vnd.microsoft.iothub.filenotification.json"
)

// Ack levels a device-bound message can request feedback for
type Ack string

// Feedback request levels
const (
	AckNone     Ack = ""
	AckPositive Ack = "positive"
	AckNegative Ack = "negative"
	AckFull     Ack = "full"
)

// Message is a device-bound (cloud-to-device) message
type Message struct {
	// MessageID identifies the message; generated when empty
	MessageID string
	// CorrelationID ties the message to a request
	CorrelationID string
	// UserID identifies the sender
	UserID string
	// ExpiryTime after which the hub drops the message
	ExpiryTime time.Time
	// Ack requests delivery feedback for this message
	Ack Ack
	// Properties are application properties sent with the message
	Properties map[string]string
	// Payload is the message body
	Payload []byte
}

// toAMQP serializes the message; the To address and delivery tag are set by
// the send client.
func (m *Message) toAMQP() *amqp.Message {
	messageID := m.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	msg := &amqp.Message{
		Data: [][]byte{m.Payload},
		Properties: &amqp.MessageProperties{
			MessageID: messageID,
		},
	}
	if m.CorrelationID != "" {
		msg.Properties.CorrelationID = m.CorrelationID
	}
	if m.UserID != "" {
		msg.Properties.UserID = []byte(m.UserID)
	}
	if !m.ExpiryTime.IsZero() {
		expiry := m.ExpiryTime
		msg.Properties.AbsoluteExpiryTime = &expiry
	}
	if m.Ack != AckNone || len(m.Properties) > 0 {
		msg.ApplicationProperties = make(map[string]any, len(m.Properties)+1)
		for k, v := range m.Properties {
			msg.ApplicationProperties[k] = v
		}
		if m.Ack != AckNone {
			msg.ApplicationProperties["iothub-ack"] = string(m.Ack)
		}
	}
	return msg
}

// deviceBoundAddress builds the To address for a device, or for a module on
// a device when moduleID is non-empty. Identifiers are url-encoded.
func deviceBoundAddress(deviceID, moduleID string) string {
	if moduleID != "" {
		return fmt.Sprintf("/devices/%s/modules/%s/messages/deviceBound",
			url.PathEscape(deviceID), url.PathEscape(moduleID))
	}
	return fmt.Sprintf("/devices/%s/messages/deviceBound", url.PathEscape(deviceID))
}

// payload extracts the body of a received message
func payload(msg *amqp.Message) []byte {
	if len(msg.Data) > 0 {
		if len(msg.Data) == 1 {
			return msg.Data[0]
		}
		var size int
		for _, chunk := range msg.Data {
			size += len(chunk)
		}
		body := make([]byte, 0, size)
		for _, chunk := range msg.Data {
			body = append(body, chunk...)
		}
		return body
	}
	switch value := msg.Value.(type) {
	case []byte:
		return value
	case string:
		return []byte(value)
	}
	return nil
}
