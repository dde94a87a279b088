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
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type dialFunc = func(ctx context.Context, network, addr string) (net.Conn, error)

// leafFactory creates the *http.Transport of a single origin, using the
// given function to establish its network connections.
type leafFactory func(dial dialFunc) *http.Transport

// originPool is the connection pool of a Transport. Each origin gets its own
// "leaf" *http.Transport, and every connection a leaf opens is tracked so
// that the connections of one origin can be dropped without touching the
// others.
type originPool struct {
	dial    dialFunc
	newLeaf leafFactory
	logger  *zap.Logger

	mu sync.Mutex
	// +checklocks:mu
	leaves map[Origin]*leaf
}

func newOriginPool(dial dialFunc, newLeaf leafFactory, logger *zap.Logger) *originPool {
	return &originPool{
		dial:    dial,
		newLeaf: newLeaf,
		logger:  logger,
		leaves:  map[Origin]*leaf{},
	}
}

// get returns the leaf for the given origin, creating one if needed.
func (p *originPool) get(origin Origin) *leaf {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.leaves[origin]; ok {
		return existing
	}
	created := &leaf{origin: origin, conns: map[*trackedConn]struct{}{}}
	created.transport = p.newLeaf(created.dialer(p.dial))
	p.leaves[origin] = created
	return created
}

// drain removes the given leaf from the pool and then closes all of its
// connections. The next request to the same origin gets a new leaf, and so
// a fresh connection. Draining a leaf that was already replaced only closes
// that leaf.
func (p *originPool) drain(target *leaf) {
	p.mu.Lock()
	if p.leaves[target.origin] == target {
		delete(p.leaves, target.origin)
	}
	p.mu.Unlock()
	p.logger.Debug("dropping connections", zap.Stringer("origin", target.origin))
	target.retire(p.logger)
}

// closeAll drains every origin.
func (p *originPool) closeAll() {
	p.mu.Lock()
	leaves := make([]*leaf, 0, len(p.leaves))
	for _, existing := range p.leaves {
		leaves = append(leaves, existing)
	}
	clear(p.leaves)
	p.mu.Unlock()

	grp, _ := errgroup.WithContext(context.Background())
	for _, existing := range leaves {
		grp.Go(func() error {
			existing.retire(p.logger)
			return nil
		})
	}
	_ = grp.Wait()
}

func (p *originPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leaves)
}

type leaf struct {
	origin    Origin
	transport *http.Transport

	// +checkatomic
	dialed atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	conns map[*trackedConn]struct{}
	// +checklocks:mu
	retired bool
}

func (l *leaf) dialer(dial dialFunc) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		tracked := &trackedConn{Conn: conn, leaf: l}
		l.mu.Lock()
		if l.retired {
			l.mu.Unlock()
			_ = conn.Close()
			return nil, fmt.Errorf("connections to %s were dropped: %w", l.origin, net.ErrClosed)
		}
		l.conns[tracked] = struct{}{}
		l.mu.Unlock()
		l.dialed.Add(1)
		return tracked, nil
	}
}

// retire detaches every tracked connection and only then closes them, so
// that a half-closed connection is never handed out again. Close failures
// are logged, not returned: the caller is already handling a failure.
func (l *leaf) retire(logger *zap.Logger) {
	l.mu.Lock()
	l.retired = true
	conns := make([]*trackedConn, 0, len(l.conns))
	for conn := range l.conns {
		conns = append(conns, conn)
	}
	clear(l.conns)
	l.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Warn("error closing an existing connection",
				zap.Stringer("origin", l.origin),
				zap.Error(err),
			)
		}
	}
	l.transport.CloseIdleConnections()
}

func (l *leaf) forget(conn *trackedConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
}

func (l *leaf) openConns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// trackedConn removes itself from its leaf when closed.
type trackedConn struct {
	net.Conn
	leaf *leaf
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.leaf.forget(c)
	})
	return c.Conn.Close()
}
