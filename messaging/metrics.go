// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package messaging

import "github.com/prometheus/client_golang/prometheus"

var sendsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "hub_service",
		Name:      "sends_total",
		Help:      "Total number of device-bound sends.",
	}, []string{"result"},
)

var receivesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "hub_service",
		Name:      "receives_total",
		Help:      "Total number of received service-bound messages.",
	}, []string{"result"},
)

func init() {
	prometheus.MustRegister(sendsTotal)
	prometheus.MustRegister(receivesTotal)
}
