// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package messaging contains the service-facing message clients: the send
// client for device-bound messages and the receive clients for delivery
// feedback and file-upload notifications.
//
// Each client wraps one AMQP link on the shared connection. Links are created
// lazily on first use and recreated transparently after a fault; the clients
// never retry a failed call themselves, recovery happens on the next call.
package messaging
