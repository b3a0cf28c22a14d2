// Package webfetch gets a web page over HTTP and decodes it to UTF-8 text.
//
// Every fetch goes through a capturing transport, so the Response exposes
// the request line and headers exactly as they were transmitted, including
// ones the client library injected on its own. Decoding tries the declared
// charset, then embedded meta-tag declarations, then falls back to a lossy
// replacement decode, so it always produces text.
//
//	r := webfetch.New("http://example.com/")
//	text, err := r.Unicode()
//	if err != nil {
//		// only the network fetch itself can fail
//	}
//	resp, _ := r.Response()
//	fmt.Print(resp.RequestHeader)
package webfetch

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/xtruder/webfetch/internal/capture"
	"github.com/xtruder/webfetch/internal/decode"
)

// DefaultTimeout bounds the whole request unless WithTimeout overrides it.
const DefaultTimeout = 5 * time.Second

// Response is a fetched page together with the request head that was
// actually transmitted for it.
type Response struct {
	*http.Response

	// RequestHeaders lists every header written to the wire in order,
	// including ones injected by the client itself (Host, User-Agent,
	// Accept-Encoding, Connection).
	RequestHeaders []capture.HeaderField

	// RequestHeader is the raw request-line-plus-headers block as sent.
	RequestHeader string
}

// URL is the final URL after any redirects.
func (r *Response) URL() *url.URL {
	return r.Response.Request.URL
}

// Option configures a Request before it is built.
type Option func(*Request)

// WithTimeout bounds the connection and response wait.
func WithTimeout(d time.Duration) Option {
	return func(r *Request) { r.timeout = d }
}

// WithHeader adds an outgoing request header.
func WithHeader(name, value string) Option {
	return func(r *Request) { r.header.Add(name, value) }
}

// WithRetries sets how often a failed request is retried before giving up.
func WithRetries(n int) Option {
	return func(r *Request) { r.retryMax = n }
}

// Request is a single lazy page fetch. Accessors dispatch the network
// request on first use and cache the outcome; the request is issued exactly
// once per instance. A Request serves one fetch and must not be shared
// across goroutines.
type Request struct {
	url      string
	timeout  time.Duration
	retryMax int
	header   http.Header

	client    *retryablehttp.Client
	transport *capture.Transport

	dispatched bool
	resp       *Response
	respErr    error
	content    []byte

	resolver *decode.Resolver
}

// retryLogger forwards the client library's internal logging to slog.
type retryLogger struct{}

func (retryLogger) Printf(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

// New creates a Request for url. The request is not dispatched until the
// first accessor that needs a response.
func New(url string, opts ...Option) *Request {
	r := &Request{
		url:      url,
		timeout:  DefaultTimeout,
		retryMax: 2,
		header:   make(http.Header),
		resolver: &decode.Resolver{},
	}
	for _, opt := range opts {
		opt(r)
	}

	// A fresh capturing transport per Request: captured state is
	// per-connection and must not leak across fetches.
	r.transport = capture.NewTransport(cleanhttp.DefaultTransport())

	client := retryablehttp.NewClient()
	client.RetryMax = r.retryMax
	client.Logger = retryLogger{}
	client.HTTPClient = &http.Client{
		Transport: r.transport,
		Timeout:   r.timeout,
	}
	r.client = client

	return r
}

// SetHeader sets an outgoing header. It has no effect once the request has
// been dispatched.
func (r *Request) SetHeader(name, value string) {
	r.header.Set(name, value)
}

// Response performs the fetch on first call and returns the cached result
// afterwards, error included. Transport failures (DNS, refused connections,
// timeouts, malformed responses) propagate from the underlying client.
func (r *Request) Response() (*Response, error) {
	if r.dispatched {
		return r.resp, r.respErr
	}
	r.dispatched = true

	req, err := retryablehttp.NewRequest(http.MethodGet, r.url, nil)
	if err != nil {
		r.respErr = fmt.Errorf("build request: %w", err)
		return nil, r.respErr
	}
	for name, values := range r.header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	slog.Debug("fetching page", "url", r.url)
	resp, err := r.client.StandardClient().Do(req.Request)
	if err != nil {
		r.respErr = err
		return nil, err
	}

	r.resp = &Response{Response: resp}
	if trace, ok := r.transport.Trace(); ok {
		r.resp.RequestHeaders = trace.Fields
		r.resp.RequestHeader = trace.Raw
	}
	return r.resp, nil
}

// Content returns the full response body. The body stream is read once;
// the bytes are cached for later decode passes.
func (r *Request) Content() ([]byte, error) {
	if r.content != nil {
		return r.content, nil
	}

	resp, err := r.Response()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	r.content = body
	return body, nil
}

// ContentType returns the parsed media type and parameters of the response
// Content-Type header. A missing or malformed header yields an empty media
// type and no parameters, never an error of its own.
func (r *Request) ContentType() (string, map[string]string, error) {
	resp, err := r.Response()
	if err != nil {
		return "", nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		return "", map[string]string{}, nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", map[string]string{}, nil
	}
	return mediaType, params, nil
}

// EncodingFromContentType returns the charset parameter of the response
// Content-Type, stripped of surrounding quotes, or "" when absent.
func (r *Request) EncodingFromContentType() (string, error) {
	resp, err := r.Response()
	if err != nil {
		return "", err
	}
	return decode.EncodingFromContentType(resp.Header.Get("Content-Type")), nil
}

// EncodingsFromContent returns the meta-tag charset candidates found in
// body, in order of first appearance.
func EncodingsFromContent(body []byte) []string {
	return decode.EncodingsFromContent(body)
}

// Unicode fetches the page and returns its content decoded to UTF-8 text.
// It fails only when the fetch itself fails: decoding is total and falls
// back to replacing undecodable bytes with U+FFFD. TriedEncodings reports
// which encodings were attempted and rejected along the way.
func (r *Request) Unicode() (string, error) {
	body, err := r.Content()
	if err != nil {
		return "", err
	}
	resp, _ := r.Response()

	text := r.resolver.Decode(body, resp.Header.Get("Content-Type"))
	if tried := r.resolver.Tried; len(tried) > 0 {
		slog.Debug("declared encodings failed", "url", r.url, "tried", tried)
	}
	return text, nil
}

// TriedEncodings lists the encodings Unicode attempted and rejected, in
// order. It never contains duplicates or the encoding that succeeded.
func (r *Request) TriedEncodings() []string {
	return r.resolver.Tried
}
