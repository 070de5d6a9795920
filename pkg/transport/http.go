package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httputil"
	"net/url"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/diwise/vertebrate/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"
)

const (
	TraceAttributeMethod string = "http-method"
	TraceAttributeURL    string = "http-url"
)

var tracer = otel.Tracer("vertebrate/transport")

type HTTPOption func(*httpTransport)

func Debug(enabled string) HTTPOption {
	return func(t *httpTransport) {
		t.debug = (enabled == "true")
	}
}

// Origin sets the origin that same-origin requests are compared against
func Origin(origin string) HTTPOption {
	return func(t *httpTransport) {
		t.origin, _ = url.Parse(origin)
	}
}

// Header adds a header to every request sent by the transport
func Header(name, value string) HTTPOption {
	return func(t *httpTransport) {
		t.headers[name] = append(t.headers[name], value)
	}
}

func WithCookieJar(jar http.CookieJar) HTTPOption {
	return func(t *httpTransport) {
		t.jar = jar
	}
}

func NewHTTPTransport(options ...HTTPOption) Transport {
	t := &httpTransport{
		headers: map[string][]string{},
		debug:   false,
	}

	for _, option := range options {
		option(t)
	}

	if t.jar == nil {
		t.jar, _ = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	}

	roundTripper := otelhttp.NewTransport(http.DefaultTransport)

	t.withCookies = &http.Client{Transport: roundTripper, Jar: t.jar}
	t.withoutCookies = &http.Client{Transport: roundTripper}

	return t
}

type httpTransport struct {
	origin  *url.URL
	headers map[string][]string
	debug   bool

	jar            http.CookieJar
	withCookies    *http.Client
	withoutCookies *http.Client
}

func (t *httpTransport) Do(ctx context.Context, endpoint string, r Request) (*Response, error) {
	var err error

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := tracer.Start(ctx, "http-request",
		trace.WithAttributes(attribute.String(TraceAttributeMethod, method)),
		trace.WithAttributes(attribute.String(TraceAttributeURL, endpoint)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		err = fmt.Errorf("failed to create request: %s (%w)", err.Error(), errors.ErrInternal)
		return nil, err
	}

	for header, headerValue := range t.headers {
		for _, val := range headerValue {
			req.Header.Add(header, val)
		}
	}

	for header, headerValue := range r.Headers {
		for _, val := range headerValue {
			req.Header.Add(header, val)
		}
	}

	httpClient := t.withoutCookies
	if r.Credentials == SameOrigin && t.isSameOrigin(req.URL) {
		httpClient = t.withCookies
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to send request: %s (%w)", err.Error(), errors.ErrRequest)
		return nil, err
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("failed to read response body: %s (%w)", err.Error(), errors.ErrBadResponse)
		return nil, err
	}

	if t.debug && resp.StatusCode >= http.StatusBadRequest {
		reqbytes, _ := httputil.DumpRequest(req, false)
		respbytes, _ := httputil.DumpResponse(resp, false)

		log := logging.GetFromContext(ctx)
		log.Error("request failed", "request", string(reqbytes), "response", string(respbytes))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// isSameOrigin treats every target as same-origin when no origin is configured
func (t *httpTransport) isSameOrigin(target *url.URL) bool {
	if t.origin == nil || t.origin.Host == "" {
		return true
	}

	return t.origin.Scheme == target.Scheme && t.origin.Host == target.Host
}
