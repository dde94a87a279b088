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
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxAttempts is the retry budget of one exchange. Only server-initiated
// disconnects are retried.
const maxAttempts = 2

type exchangeState int

const (
	stateAttempting exchangeState = iota
	stateRetrying
	stateSucceeded
	stateFailed
)

// exchanger runs exchanges over an originPool and applies the retry and
// error-classification policy. It is shared by the direct and SOCKS
// transports.
type exchanger struct {
	pool      *originPool
	tlsConfig *tls.Config
	logger    *zap.Logger
}

func newExchanger(pool *originPool, tlsConfig *tls.Config, logger *zap.Logger) *exchanger {
	return &exchanger{pool: pool, tlsConfig: tlsConfig, logger: logger}
}

type exchange struct {
	id       string
	origin   Origin
	req      *http.Request
	attempts int
	resp     *http.Response
	err      *Error
}

// RoundTrip executes the request. It returns either a response or an
// *Error; every path through the state machine ends in exactly one of the
// two.
func (e *exchanger) RoundTrip(req *http.Request) (*http.Response, error) {
	ex := &exchange{origin: OriginFromURL(req.URL), req: req}
	state := stateAttempting
	for {
		switch state {
		case stateAttempting:
			state = e.attempt(ex)
		case stateRetrying:
			state = e.prepareRetry(ex)
		case stateSucceeded:
			return ex.resp, nil
		case stateFailed:
			return nil, ex.err
		}
	}
}

func (e *exchanger) attempt(ex *exchange) exchangeState {
	ex.attempts++
	target := e.pool.get(ex.origin)
	resp, err := target.transport.RoundTrip(ex.req)
	if err == nil {
		ex.resp = resp
		return stateSucceeded
	}
	kind := classify(err)
	if kind.drains() {
		e.pool.drain(target)
	}
	ex.err = &Error{Kind: kind, Origin: ex.origin, Err: err}
	if kind == KindRemoteDisconnect {
		return stateRetrying
	}
	e.logger.Debug("exchange failed",
		zap.String("exchange", ex.ID()),
		zap.Stringer("origin", ex.origin),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)
	return stateFailed
}

func (e *exchanger) prepareRetry(ex *exchange) exchangeState {
	if ex.attempts >= maxAttempts {
		e.logger.Warn("server disconnected, retry budget exhausted",
			zap.String("exchange", ex.ID()),
			zap.Stringer("origin", ex.origin),
			zap.Int("attempts", ex.attempts),
			zap.Error(ex.err.Err),
		)
		return stateFailed
	}
	next, err := rewind(ex.req)
	if err != nil {
		e.logger.Warn("server disconnected, request cannot be replayed",
			zap.String("exchange", ex.ID()),
			zap.Stringer("origin", ex.origin),
			zap.Error(err),
		)
		return stateFailed
	}
	e.logger.Warn("server disconnected, retrying",
		zap.String("exchange", ex.ID()),
		zap.Stringer("origin", ex.origin),
		zap.Int("attempt", ex.attempts),
		zap.Error(ex.err.Err),
	)
	ex.req = next
	return stateAttempting
}

// ID lazily assigns an identifier used to correlate log entries of the
// same exchange.
func (ex *exchange) ID() string {
	if ex.id == "" {
		ex.id = uuid.NewString()
	}
	return ex.id
}

// rewind returns a request that can be sent again, with a fresh body.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body of %s %s cannot be replayed", req.Method, req.URL.Redacted())
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	next := req.Clone(req.Context())
	next.Body = body
	return next, nil
}

// CloseIdleConnections drops all pooled connections.
func (e *exchanger) CloseIdleConnections() {
	e.pool.closeAll()
}
