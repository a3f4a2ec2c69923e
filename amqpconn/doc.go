// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqpconn owns the single AMQP connection to the hub.
//
// The Manager dials the hub over TCP+TLS, falling back to (or forced into)
// WebSocket-wrapped AMQP, opens one multiplexed session and authenticates it
// with a claims-based-security token. The session is held in a fault-tolerant
// cache: when the peer closes the connection, the cache slot is invalidated
// and the next operation transparently reconnects. A background loop keeps
// the security token fresh for the lifetime of the connection, independent of
// application traffic.
//
// Links for the service-facing endpoints (device-bound messages, delivery
// feedback, file notifications) are created on the current session with
// CreateSendingLink and CreateReceivingLink. The messaging package wraps
// these links in the send and receive clients.
package amqpconn
