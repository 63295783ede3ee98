package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive  = promauto.NewGauge(prometheus.GaugeOpts{Name: "edgerelay_sessions_active", Help: "Sessions currently relaying"})
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "edgerelay_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 18)})
	RelayBytes      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "edgerelay_relay_bytes_total", Help: "Relayed bytes by direction"}, []string{"direction"})
	RequestsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "edgerelay_requests_total", Help: "Upgrade requests by terminal outcome"}, []string{"outcome"})
	DialTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "edgerelay_dial_total", Help: "Outbound dial attempts by result"}, []string{"result"})
	UplinkOverloads = promauto.NewCounter(prometheus.CounterOpts{Name: "edgerelay_uplink_overload_total", Help: "Sessions shed because the uplink queue overflowed"})
)
