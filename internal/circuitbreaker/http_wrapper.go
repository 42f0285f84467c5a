package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker. 5xx responses
// count as breaker failures; 4xx responses pass through untouched so caller
// errors never trip the breaker.
type HTTPWrapper struct {
	client  *http.Client
	breaker *Breaker
	name    string
	service string
}

// NewHTTPWrapper creates a wrapped client registered with the default
// metrics collector.
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	b := New(name, HTTPSettings(), logger)
	DefaultCollector.Register(name, service, b)
	return &HTTPWrapper{client: client, breaker: b, name: name, service: service}
}

// Do executes the request through the breaker. When the breaker trips on a
// 5xx the response is still returned to the caller for status inspection.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.breaker.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	DefaultCollector.RecordRequest(hw.name, hw.service, hw.breaker.State(), err == nil)

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// Open reports whether the breaker currently rejects requests.
func (hw *HTTPWrapper) Open() bool {
	return hw.breaker.State() == StateOpen
}

// httpStatusError marks 5xx responses for breaker accounting.
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
