package httpclient

import (
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout bounds every outbound request made by the service and its client
const DefaultTimeout = 30 * time.Second

// New creates an HTTP client with pooled keep-alive connections
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

var (
	shared *http.Client
	once   sync.Once
)

// Shared returns the process-wide client used for provider calls
func Shared() *http.Client {
	once.Do(func() {
		shared = New(DefaultTimeout)
	})
	return shared
}
