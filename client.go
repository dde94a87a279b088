// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpmount

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httpmount/eventloop"
	"github.com/bufbuild/httpmount/internal"
	"go.uber.org/zap"
)

// ClientOption customizes a Client created by [Factory.NewClient].
type ClientOption interface {
	applyToClient(*clientOptions)
}

// ResponseInfo describes a completed exchange. A request that follows
// redirects produces one ResponseInfo per hop.
type ResponseInfo struct {
	// Elapsed is the time until the response headers were received.
	Elapsed    time.Duration
	StatusCode int
	URL        *url.URL
	Method     string
}

// WithResponseObserver registers a function that is called with every
// completed exchange before its response is returned. Errors returned by
// the observer, and its panics, are logged and otherwise ignored.
func WithResponseObserver(observer func(ResponseInfo) error) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.observer = observer
	})
}

// WithRequestTimeout configures a timeout applied to requests whose context
// has no deadline. The timeout covers the whole exchange, including
// redirects and reading the response body.
func WithRequestTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.requestTimeout = duration
	})
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) applyToClient(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	observer       func(ResponseInfo) error
	requestTimeout time.Duration
}

// Client sends requests through the transport mounted for each URL. All
// exchanges run on the event loop of the Factory that created it.
type Client struct {
	loop           *eventloop.Loop
	table          *mountTable
	http           *http.Client
	requestTimeout time.Duration
}

func newClient(factory *Factory, table *mountTable, cfg RouteConfig, opts clientOptions) *Client {
	rt := &router{
		table:    table,
		clock:    factory.clock,
		logger:   factory.logger,
		observer: opts.observer,
	}
	return &Client{
		loop:  factory.loop,
		table: table,
		http: &http.Client{
			Transport:     rt,
			CheckRedirect: FollowRedirects(cfg.MaxRedirects),
		},
		requestTimeout: opts.requestTimeout,
	}
}

// FollowRedirects returns a redirect policy for [http.Client] that follows up
// to limit redirects. When limit is zero, redirect responses are returned as
// is. Exceeding a positive limit fails with KindTooManyRedirects.
func FollowRedirects(limit int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if limit <= 0 {
			return http.ErrUseLastResponse
		}
		if len(via) > limit {
			return &Error{
				Kind:   KindTooManyRedirects,
				Origin: OriginFromURL(req.URL),
				Err:    fmt.Errorf("stopped after %d redirects", limit),
			}
		}
		return nil
	}
}

// Do sends the request and returns its response. Errors are always *Error.
// The response body must be closed by the caller.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	cancel := context.CancelFunc(func() {})
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		req = req.WithContext(ctx)
	}
	resp, err := eventloop.Call(ctx, c.loop, func(context.Context) (*http.Response, error) {
		return c.http.Do(req) //nolint:bodyclose // returned to the caller, or released below
	}, closeBody)
	if err != nil {
		cancel()
		return nil, c.wrapError(req, err)
	}
	resp.Body = &hookReadCloser{ReadCloser: resp.Body, hook: cancel}
	return resp, nil
}

// Request is a convenience wrapper around Do. The body, if any, can be
// replayed when the exchange is retried.
func (c *Client) Request(
	ctx context.Context,
	method, rawURL string,
	header http.Header,
	body []byte,
) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	for name, values := range header {
		req.Header[name] = append([]string(nil), values...)
	}
	return c.Do(req)
}

// Route returns the mount pattern that serves rawURL, or the empty string
// when it is served by the default transport.
func (c *Client) Route(rawURL string) (string, error) {
	dest, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	_, pattern := c.table.resolve(dest)
	return pattern, nil
}

// Close closes the pooled connections of every transport. The Client
// remains usable; later requests open new connections.
func (c *Client) Close() {
	for _, transport := range c.table.transports() {
		transport.CloseIdleConnections()
	}
}

func (c *Client) wrapError(req *http.Request, err error) *Error {
	origin := OriginFromURL(req.URL)
	if errors.Is(err, eventloop.ErrNotStarted) || errors.Is(err, eventloop.ErrStopped) {
		return &Error{Kind: KindClosed, Origin: origin, Err: err}
	}
	return wrapError(origin, err)
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

// router is the http.RoundTripper of a Client: it picks the mounted
// transport for each request and reports completed exchanges.
type router struct {
	table    *mountTable
	clock    internal.Clock
	logger   *zap.Logger
	observer func(ResponseInfo) error
}

func (r *router) RoundTrip(req *http.Request) (*http.Response, error) {
	transport, _ := r.table.resolve(req.URL)
	start := r.clock.Now()
	resp, err := transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if r.observer != nil {
		r.observe(ResponseInfo{
			Elapsed:    r.clock.Since(start),
			StatusCode: resp.StatusCode,
			URL:        req.URL,
			Method:     req.Method,
		})
	}
	return resp, nil
}

func (r *router) observe(info ResponseInfo) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Warn("response observer panicked",
				zap.Stringer("url", info.URL),
				zap.Any("panic", recovered),
			)
		}
	}()
	if err := r.observer(info); err != nil {
		r.logger.Warn("response observer failed",
			zap.Stringer("url", info.URL),
			zap.Error(err),
		)
	}
}

// hookReadCloser calls hook once the body is exhausted or closed.
type hookReadCloser struct {
	io.ReadCloser
	hook func()

	// +checkatomic
	closed atomic.Bool
}

func (h *hookReadCloser) done() {
	if h.closed.CompareAndSwap(false, true) {
		h.hook()
	}
}

func (h *hookReadCloser) Read(p []byte) (n int, err error) {
	n, err = h.ReadCloser.Read(p)
	if err != nil {
		h.done()
	}
	return n, err
}

func (h *hookReadCloser) Close() error {
	err := h.ReadCloser.Close()
	h.done()
	return err
}
