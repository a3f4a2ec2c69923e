// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqpconn

import "github.com/prometheus/client_golang/prometheus"

var connectsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "hub_service",
		Name:      "connects_total",
		Help:      "Total number of established connections.",
	}, []string{"transport"},
)

var connectionFaults = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "hub_service",
		Name:      "connection_faults_total",
		Help:      "Total number of peer-initiated connection closures.",
	},
)

var tokenRefreshes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "hub_service",
		Name:      "token_refreshes_total",
		Help:      "Total number of security token refreshes.",
	}, []string{"result"},
)

func init() {
	prometheus.MustRegister(connectsTotal)
	prometheus.MustRegister(connectionFaults)
	prometheus.MustRegister(tokenRefreshes)
}
