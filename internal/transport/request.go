// Package transport is the single chokepoint for authenticated HTTP calls:
// credential injection, transparent session renewal, 429 backoff and
// network-failure retry.
package transport

import (
	"encoding/json"
	"net/http"
)

// Default retry budgets used by the request constructors.
const (
	DefaultNetworkRetries = 3
	Default429Retries     = 3
)

// Request describes one network intent. The executor never mutates it.
type Request struct {
	Method string
	// URL is absolute, or a path resolved against the executor's base URL.
	URL string
	// Body is sent as JSON; []byte and json.RawMessage are sent verbatim.
	Body   any
	Header http.Header

	SkipAuth          bool
	SkipAppIdentity   bool
	MaxNetworkRetries int
	Max429Retries     int
}

// NewRequest returns a request with the default retry budgets.
func NewRequest(method, url string, body any) Request {
	return Request{
		Method:            method,
		URL:               url,
		Body:              body,
		MaxNetworkRetries: DefaultNetworkRetries,
		Max429Retries:     Default429Retries,
	}
}

// Response is a successful (2xx) outcome. Body is empty for 204.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v; an empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}
