package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/teilomillet/preamble/errors"
)

type requestKey struct{}

// Request is an immutable view of an inbound chat-completion request: the
// method, URL, headers and route parameters of the original plus a parsed
// body and its JSON encoding. The body can be read any number of times.
type Request struct {
	method string
	url    *url.URL
	header http.Header
	params map[string]string
	body   *Body
	raw    []byte

	// base carries the request context (deadlines, values, chi routing)
	base *http.Request
}

// NewRequest reads and parses the body of r. The stream is consumed once
// here; everything downstream reads the parsed copy. A body that is not
// valid JSON or lacks a messages array yields a validation error.
func NewRequest(r *http.Request) (*Request, error) {
	requestID := r.Header.Get(errors.RequestIDHeader)

	var data []byte
	if r.Body != nil {
		var err error
		data, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.NewError(errors.ValidationError, "Failed to read request body",
				http.StatusBadRequest, requestID, nil, err)
		}
	}

	body, err := ParseBody(data)
	if err != nil {
		return nil, errors.NewError(errors.ValidationError, "Invalid chat completion request body",
			http.StatusBadRequest, requestID, map[string]interface{}{
				"reason": err.Error(),
			}, err)
	}

	return &Request{
		method: r.Method,
		url:    cloneURL(r.URL),
		header: r.Header.Clone(),
		params: routeParams(r),
		body:   body,
		raw:    data,
		base:   r,
	}, nil
}

// WithBody returns a copy of orig whose body is body. Method, URL, headers,
// route parameters and context are those of orig; headers are not
// recomputed, so a stale Content-Length header is the caller's concern.
func WithBody(orig *Request, body *Body) (*Request, error) {
	if orig == nil {
		return nil, fmt.Errorf("rebuild request: no original request")
	}
	if body == nil {
		return nil, fmt.Errorf("rebuild request: no body")
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("rebuild request: encode body: %w", err)
	}

	params := make(map[string]string, len(orig.params))
	for k, v := range orig.params {
		params[k] = v
	}

	return &Request{
		method: orig.method,
		url:    cloneURL(orig.url),
		header: orig.header.Clone(),
		params: params,
		body:   body,
		raw:    raw,
		base:   orig.base,
	}, nil
}

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// URL returns a copy of the request URL.
func (r *Request) URL() *url.URL { return cloneURL(r.url) }

// Header returns a copy of the request headers.
func (r *Request) Header() http.Header { return r.header.Clone() }

// Param returns a route parameter captured by the router, or "".
func (r *Request) Param(name string) string { return r.params[name] }

// Context returns the context of the original request.
func (r *Request) Context() context.Context { return r.base.Context() }

// Body returns the parsed body. Every call returns the same value.
func (r *Request) Body() *Body { return r.body }

// Bytes returns the JSON encoding of the body.
func (r *Request) Bytes() []byte { return r.raw }

// Reader returns a fresh reader over the encoded body.
func (r *Request) Reader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(r.raw))
}

// HTTPRequest materialises r as a *http.Request for handlers that expect
// one. The result shares the original context, so router state such as
// chi URL parameters stays visible, and RequestFromContext returns r.
// Its Body and GetBody yield the encoded body.
func (r *Request) HTTPRequest() *http.Request {
	ctx := context.WithValue(r.base.Context(), requestKey{}, r)
	out := r.base.Clone(ctx)
	out.Method = r.method
	out.URL = cloneURL(r.url)
	out.Header = r.header.Clone()
	out.Body = r.Reader()
	out.GetBody = func() (io.ReadCloser, error) { return r.Reader(), nil }
	out.ContentLength = int64(len(r.raw))
	return out
}

// RequestFromContext returns the Request attached by HTTPRequest.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*Request)
	return req, ok
}

func routeParams(r *http.Request) map[string]string {
	params := make(map[string]string)
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return params
	}
	for i, key := range rctx.URLParams.Keys {
		if i < len(rctx.URLParams.Values) {
			params[key] = rctx.URLParams.Values[i]
		}
	}
	return params
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return &url.URL{}
	}
	out := *u
	if u.User != nil {
		user := *u.User
		out.User = &user
	}
	return &out
}
