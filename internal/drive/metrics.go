package drive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// apiRequests counts upstream API calls by operation and outcome. The code
// label is the HTTP status, or "transport_error" when the request never got
// a response.
var apiRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aliyundrive_api_requests_total",
		Help: "Aliyun Drive API requests by operation and status code.",
	},
	[]string{"operation", "code"},
)

// tokenRefreshes counts token refresh attempts by result.
var tokenRefreshes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aliyundrive_token_refreshes_total",
		Help: "Token refresh attempts by result.",
	},
	[]string{"result"},
)
