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
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/bufbuild/httpmount/proxydial"
	"golang.org/x/net/http2"
)

// Kind classifies a failed exchange.
type Kind int

const (
	// KindConnect means the destination could not be reached: name
	// resolution, TCP connect, or TLS verification failed.
	KindConnect Kind = iota + 1
	// KindProxy means the proxy could not be reached, refused the
	// handshake, or timed out.
	KindProxy
	// KindNetwork is an I/O failure on an established connection.
	KindNetwork
	// KindClosed means the exchange observed a connection that had already
	// been closed underneath it.
	KindClosed
	// KindRemoteDisconnect means the server closed the connection in the
	// middle of the exchange, or answered with a malformed response.
	KindRemoteDisconnect
	// KindUnsupportedProtocol means the URL scheme is administratively
	// blocked. No connection is attempted.
	KindUnsupportedProtocol
	// KindTimeout means the exchange did not complete before its deadline.
	KindTimeout
	// KindCanceled means the caller gave up on the exchange.
	KindCanceled
	// KindTooManyRedirects means the redirect limit was exceeded.
	KindTooManyRedirects
)

// errConnectionBroken prefixes the HTTP/1 transport's read failures.
const errConnectionBroken = "transport connection broken"

// Sentinel errors, one per Kind, for use with [errors.Is].
var (
	ErrConnect             = errors.New("connect error")
	ErrProxy               = errors.New("proxy error")
	ErrNetwork             = errors.New("network error")
	ErrClosed              = errors.New("connection closed")
	ErrRemoteDisconnect    = errors.New("server disconnected")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrTimeout             = errors.New("timeout")
	ErrCanceled            = errors.New("canceled")
	ErrTooManyRedirects    = errors.New("too many redirects")
)

//nolint:gochecknoglobals
var kindSentinels = map[Kind]error{
	KindConnect:             ErrConnect,
	KindProxy:               ErrProxy,
	KindNetwork:             ErrNetwork,
	KindClosed:              ErrClosed,
	KindRemoteDisconnect:    ErrRemoteDisconnect,
	KindUnsupportedProtocol: ErrUnsupportedProtocol,
	KindTimeout:             ErrTimeout,
	KindCanceled:            ErrCanceled,
	KindTooManyRedirects:    ErrTooManyRedirects,
}

func (k Kind) String() string {
	if sentinel, ok := kindSentinels[k]; ok {
		return sentinel.Error()
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// drains reports whether a failure of this kind leaves the origin's
// pooled connections in a state that must not be reused.
func (k Kind) drains() bool {
	switch k { //nolint:exhaustive
	case KindNetwork, KindClosed, KindRemoteDisconnect:
		return true
	default:
		return false
	}
}

// Error is the only error type returned for a failed exchange. It carries
// the origin of the request and the classified kind of the failure, and
// wraps the underlying cause.
type Error struct {
	Kind   Kind
	Origin Origin
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Origin, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Origin, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRemoteDisconnect) and friends match on kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// classify maps a raw transport failure onto a Kind. The order of checks
// matters: a proxy that times out is a proxy error, and a dial that times
// out is a timeout.
func classify(err error) Kind {
	var mountErr *Error
	if errors.As(err, &mountErr) {
		return mountErr.Kind
	}
	var proxyErr *proxydial.Error
	if errors.As(err, &proxyErr) {
		return KindProxy
	}
	var opErr *net.OpError
	hasOpErr := errors.As(err, &opErr)
	if hasOpErr && opErr.Op == "proxyconnect" {
		return KindProxy
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || isCertificateError(err) || (hasOpErr && opErr.Op == "dial") {
		return KindConnect
	}
	if errors.Is(err, net.ErrClosed) {
		return KindClosed
	}
	var goAway http2.GoAwayError
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &goAway) {
		return KindRemoteDisconnect
	}
	if !hasOpErr && isProtocolError(err) {
		return KindRemoteDisconnect
	}
	return KindNetwork
}

// isProtocolError reports whether the server answered with something that
// is not valid HTTP. net/http does not export the HTTP/1 parse errors, so
// they are recognized by the message the transport wraps them in.
func isProtocolError(err error) bool {
	var connErr http2.ConnectionError
	if errors.As(err, &connErr) && http2.ErrCode(connErr) == http2.ErrCodeProtocol {
		return true
	}
	return strings.Contains(err.Error(), errConnectionBroken)
}

func isCertificateError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		recordErr    tls.RecordHeaderError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &recordErr)
}

// wrapError classifies err, unless it is already an *Error.
func wrapError(origin Origin, err error) *Error {
	var mountErr *Error
	if errors.As(err, &mountErr) {
		return mountErr
	}
	return &Error{Kind: classify(err), Origin: origin, Err: err}
}
