// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package types contains the payloads exchanged with the hub over the
// service-facing endpoints.
package types

import "time"

// FeedbackStatusCode is the delivery outcome reported in a feedback record
type FeedbackStatusCode string

// Feedback status codes as reported by the hub
const (
	FeedbackStatusSuccess               FeedbackStatusCode = "Success"
	FeedbackStatusExpired               FeedbackStatusCode = "Expired"
	FeedbackStatusDeliveryCountExceeded FeedbackStatusCode = "DeliveryCountExceeded"
	FeedbackStatusRejected              FeedbackStatusCode = "Rejected"
	FeedbackStatusPurged                FeedbackStatusCode = "Purged"
)

// FeedbackRecord describes the delivery outcome of one device-bound message
type FeedbackRecord struct {
	OriginalMessageID  string             `json:"originalMessageId"`
	DeviceID           string             `json:"deviceId"`
	DeviceGenerationID string             `json:"deviceGenerationId,omitempty"`
	StatusCode         FeedbackStatusCode `json:"statusCode"`
	Description        string             `json:"description,omitempty"`
	EnqueuedTimeUTC    time.Time          `json:"enqueuedTimeUtc"`
}

// FileNotification is sent by the hub when a device completes a file upload
type FileNotification struct {
	DeviceID        string    `json:"deviceId"`
	BlobURI         string    `json:"blobUri"`
	BlobName        string    `json:"blobName"`
	LastUpdatedTime time.Time `json:"lastUpdatedTime"`
	BlobSizeInBytes int64     `json:"blobSizeInBytes"`
	EnqueuedTimeUTC time.Time `json:"enqueuedTimeUtc"`
}
