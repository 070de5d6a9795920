package transport

import (
	"context"
	"encoding/json"
	"net/http"
)

// Credentials is the cookie policy of a request.
type Credentials string

// SameOrigin sends cookies only when the target shares scheme and host with the origin.
const SameOrigin Credentials = "same-origin"

const ContentTypeJSON string = "application/json"

type Request struct {
	Method      string
	Credentials Credentials
	Body        []byte
	Headers     map[string][]string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is in the 2xx range
func (r *Response) OK() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

func (r *Response) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// JSON decodes the response body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

type Transport interface {
	Do(ctx context.Context, url string, req Request) (*Response, error)
}

// Func adapts an ordinary function to the Transport interface.
type Func func(ctx context.Context, url string, req Request) (*Response, error)

func (f Func) Do(ctx context.Context, url string, req Request) (*Response, error) {
	return f(ctx, url, req)
}

// JSONHeaders returns the headers used for requests that carry a json body
func JSONHeaders() map[string][]string {
	return map[string][]string{
		"Accept":       {ContentTypeJSON},
		"Content-Type": {ContentTypeJSON},
	}
}
