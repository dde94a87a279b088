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

package httpmount_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/httpmount"
	"github.com/bufbuild/httpmount/eventloop"
	"github.com/bufbuild/httpmount/internal/clocktest"
	"github.com/bufbuild/httpmount/tlscache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

func newTestFactory(t testing.TB, options ...httpmount.FactoryOption) *httpmount.Factory {
	t.Helper()
	loop := eventloop.New()
	require.NoError(t, loop.Start(context.Background()))
	t.Cleanup(loop.Stop)
	defaults := []httpmount.FactoryOption{httpmount.WithTLSCache(tlscache.New())}
	return httpmount.NewFactory(loop, append(defaults, options...)...)
}

func newTestClient(t testing.TB, factory *httpmount.Factory, cfg httpmount.RouteConfig, options ...httpmount.ClientOption) *httpmount.Client {
	t.Helper()
	client, err := factory.NewClient(cfg, options...)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

// testServer is an HTTP test server that counts the connections it accepts
// and the requests it receives.
type testServer struct {
	*httptest.Server
	conns atomic.Int32
	hits  atomic.Int32
}

func newTestServer(t testing.TB, handler http.HandlerFunc) *testServer {
	t.Helper()
	server := newUnstartedTestServer(t, handler)
	server.Start()
	t.Cleanup(server.Close)
	return server
}

func newUnstartedTestServer(t testing.TB, handler http.HandlerFunc) *testServer {
	t.Helper()
	server := &testServer{}
	server.Server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.hits.Add(1)
		handler(w, r)
	}))
	server.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			server.conns.Add(1)
		}
	}
	return server
}

func respond(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, body)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() {
		require.NoError(t, resp.Body.Close())
	}()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func requireKind(t *testing.T, err error, kind httpmount.Kind) *httpmount.Error {
	t.Helper()
	require.Error(t, err)
	var mountErr *httpmount.Error
	require.ErrorAs(t, err, &mountErr)
	require.Equal(t, kind, mountErr.Kind, "unexpected error: %v", err)
	return mountErr
}

func TestClientDo(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, respond("got it"))
	client := newTestClient(t, newTestFactory(t), httpmount.RouteConfig{EnableHTTP: true})

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/foo", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "got it", readBody(t, resp))

	// the connection is reused
	resp, err = client.Request(context.Background(), http.MethodGet, server.URL+"/bar", http.Header{"X-Test": {"1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "got it", readBody(t, resp))
	assert.EqualValues(t, 1, server.conns.Load())
	assert.EqualValues(t, 2, server.hits.Load())
}

func TestClientResponseObserver(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		clock.Advance(250 * time.Millisecond)
		w.WriteHeader(http.StatusAccepted)
	})
	var infos []httpmount.ResponseInfo
	client := newTestClient(t,
		newTestFactory(t, httpmount.WithClock(clock)),
		httpmount.RouteConfig{EnableHTTP: true},
		httpmount.WithResponseObserver(func(info httpmount.ResponseInfo) error {
			infos = append(infos, info)
			return nil
		}),
	)

	resp, err := client.Request(context.Background(), http.MethodPut, server.URL+"/item", nil, []byte("x"))
	require.NoError(t, err)
	readBody(t, resp)
	require.Len(t, infos, 1)
	assert.Equal(t, 250*time.Millisecond, infos[0].Elapsed)
	assert.Equal(t, http.StatusAccepted, infos[0].StatusCode)
	assert.Equal(t, http.MethodPut, infos[0].Method)
	assert.Equal(t, "/item", infos[0].URL.Path)
}

func TestClientResponseObserverFailures(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, respond("ok"))
	core, logs := observer.New(zap.WarnLevel)
	factory := newTestFactory(t, httpmount.WithLogger(zap.New(core)))

	failing := newTestClient(t, factory, httpmount.RouteConfig{EnableHTTP: true},
		httpmount.WithResponseObserver(func(httpmount.ResponseInfo) error {
			return errors.New("metrics are down")
		}),
	)
	resp, err := failing.Request(context.Background(), http.MethodGet, server.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", readBody(t, resp))
	assert.Equal(t, 1, logs.FilterMessage("response observer failed").Len())

	panicking := newTestClient(t, factory, httpmount.RouteConfig{EnableHTTP: true},
		httpmount.WithResponseObserver(func(httpmount.ResponseInfo) error {
			panic("boom")
		}),
	)
	resp, err = panicking.Request(context.Background(), http.MethodGet, server.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", readBody(t, resp))
	assert.Equal(t, 1, logs.FilterMessage("response observer panicked").Len())
}

func TestClientRedirects(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			http.Redirect(w, r, "/b", http.StatusFound)
		case "/b":
			http.Redirect(w, r, "/c", http.StatusFound)
		default:
			_, _ = io.WriteString(w, "landed on "+r.URL.Path)
		}
	})
	factory := newTestFactory(t)

	t.Run("followed", func(t *testing.T) {
		t.Parallel()
		var hops atomic.Int32
		client := newTestClient(t, factory, httpmount.RouteConfig{EnableHTTP: true, MaxRedirects: 5},
			httpmount.WithResponseObserver(func(httpmount.ResponseInfo) error {
				hops.Add(1)
				return nil
			}),
		)
		resp, err := client.Request(context.Background(), http.MethodGet, server.URL+"/a", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "landed on /c", readBody(t, resp))
		assert.EqualValues(t, 3, hops.Load())
	})
	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		client := newTestClient(t, factory, httpmount.RouteConfig{EnableHTTP: true})
		resp, err := client.Request(context.Background(), http.MethodGet, server.URL+"/a", nil, nil)
		require.NoError(t, err)
		readBody(t, resp)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/b", resp.Header.Get("Location"))
	})
	t.Run("too many", func(t *testing.T) {
		t.Parallel()
		client := newTestClient(t, factory, httpmount.RouteConfig{EnableHTTP: true, MaxRedirects: 1})
		_, err := client.Request(context.Background(), http.MethodGet, server.URL+"/a", nil, nil)
		requireKind(t, err, httpmount.KindTooManyRedirects)
		assert.ErrorIs(t, err, httpmount.ErrTooManyRedirects)
	})
}

func TestClientTimeout(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	client := newTestClient(t, newTestFactory(t), httpmount.RouteConfig{EnableHTTP: true},
		httpmount.WithRequestTimeout(50*time.Millisecond),
	)
	_, err := client.Request(context.Background(), http.MethodGet, server.URL, nil, nil)
	requireKind(t, err, httpmount.KindTimeout)

	// a deadline of its own keeps the default timeout from applying
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = client.Request(ctx, http.MethodGet, server.URL, nil, nil)
	requireKind(t, err, httpmount.KindCanceled)
}

func TestClientBodyOutlivesDo(t *testing.T) {
	t.Parallel()
	payload := strings.Repeat("0123456789", 10_000)
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.(http.Flusher).Flush()
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(w, payload)
	})
	client := newTestClient(t, newTestFactory(t), httpmount.RouteConfig{EnableHTTP: true},
		httpmount.WithRequestTimeout(5*time.Second),
	)
	resp, err := client.Request(context.Background(), http.MethodGet, server.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, readBody(t, resp))
}

func TestClientLoopNotStarted(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, respond("ok"))
	factory := httpmount.NewFactory(eventloop.New(), httpmount.WithTLSCache(tlscache.New()))
	client := newTestClient(t, factory, httpmount.RouteConfig{EnableHTTP: true})
	_, err := client.Request(context.Background(), http.MethodGet, server.URL, nil, nil)
	requireKind(t, err, httpmount.KindClosed)
	assert.ErrorIs(t, err, eventloop.ErrNotStarted)
	assert.Zero(t, server.hits.Load())
}

func TestDefaultFactory(t *testing.T) {
	t.Parallel()
	if eventloop.Current() == nil {
		_, err := httpmount.DefaultFactory()
		require.Error(t, err)
		_, err = eventloop.Start(context.Background())
		require.NoError(t, err)
	}
	factory, err := httpmount.DefaultFactory()
	require.NoError(t, err)
	server := newTestServer(t, respond("ok"))
	client := newTestClient(t, factory, httpmount.RouteConfig{EnableHTTP: true})
	resp, err := client.Request(context.Background(), http.MethodGet, server.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", readBody(t, resp))
}

func TestClientConcurrentOrigins(t *testing.T) {
	t.Parallel()
	serverA := newTestServer(t, respond("a"))
	serverB := newTestServer(t, respond("b"))
	client := newTestClient(t, newTestFactory(t), httpmount.RouteConfig{EnableHTTP: true, MaxConnections: 4})

	grp, ctx := errgroup.WithContext(context.Background())
	for i := range 20 {
		server, want := serverA, "a"
		if i%2 == 1 {
			server, want = serverB, "b"
		}
		grp.Go(func() error {
			resp, err := client.Request(ctx, http.MethodGet, fmt.Sprintf("%s/%d", server.URL, i), nil, nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if string(body) != want {
				return fmt.Errorf("request %d: got %q, want %q", i, body, want)
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())
	assert.EqualValues(t, 10, serverA.hits.Load())
	assert.EqualValues(t, 10, serverB.hits.Load())
	assert.LessOrEqual(t, serverA.conns.Load(), int32(4))
	assert.LessOrEqual(t, serverB.conns.Load(), int32(4))
}

func TestSlowOriginDoesNotDelayOthers(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	slow := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = io.WriteString(w, "slow")
	})
	fast := newTestServer(t, respond("fast"))
	client := newTestClient(t, newTestFactory(t), httpmount.RouteConfig{EnableHTTP: true})

	slowDone := make(chan error, 1)
	go func() {
		resp, err := client.Request(context.Background(), http.MethodGet, slow.URL, nil, nil)
		if err == nil {
			_ = resp.Body.Close()
		}
		slowDone <- err
	}()
	require.Eventually(t, func() bool {
		return slow.hits.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, http.MethodGet, fast.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", readBody(t, resp))
	select {
	case <-slowDone:
		t.Fatal("slow request completed before it was released")
	default:
	}

	close(release)
	require.NoError(t, <-slowDone)
}
