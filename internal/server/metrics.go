package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webdav_requests_total",
		Help: "WebDAV requests served, by method and status code.",
	},
	[]string{"method", "code"},
)
