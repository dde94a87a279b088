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
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/bufbuild/httpmount/eventloop"
	"github.com/bufbuild/httpmount/internal"
	"github.com/bufbuild/httpmount/proxydial"
	"github.com/bufbuild/httpmount/resolver"
	"github.com/bufbuild/httpmount/tlscache"
	"go.uber.org/zap"
)

var errNoLoop = errors.New("no event loop is running")

// FactoryOption customizes a Factory.
type FactoryOption interface {
	applyToFactory(*Factory)
}

// WithLogger configures the logger used by the factory and by every client
// it creates. If not specified, nothing is logged.
func WithLogger(logger *zap.Logger) FactoryOption {
	return factoryOptionFunc(func(f *Factory) {
		f.logger = logger
	})
}

// WithTLSCache configures the cache of TLS configurations. If not
// specified, the process-wide [tlscache.Default] is used, so that clients
// created by different factories share configurations.
func WithTLSCache(cache *tlscache.Cache) FactoryOption {
	return factoryOptionFunc(func(f *Factory) {
		f.tlsCache = cache
	})
}

// WithResolver configures how SOCKS transports resolve destination names
// when the proxy does not resolve them itself.
func WithResolver(res resolver.Resolver) FactoryOption {
	return factoryOptionFunc(func(f *Factory) {
		f.resolver = res
	})
}

func withClock(clock internal.Clock) FactoryOption {
	return factoryOptionFunc(func(f *Factory) {
		f.clock = clock
	})
}

type factoryOptionFunc func(*Factory)

func (f factoryOptionFunc) applyToFactory(factory *Factory) {
	f(factory)
}

// Factory creates Clients. It carries what clients share: the event loop
// exchanges run on, the TLS configuration cache, the logger and the clock.
type Factory struct {
	loop     *eventloop.Loop
	tlsCache *tlscache.Cache
	logger   *zap.Logger
	clock    internal.Clock
	resolver resolver.Resolver
}

// NewFactory returns a Factory whose clients run their exchanges on loop.
func NewFactory(loop *eventloop.Loop, options ...FactoryOption) *Factory {
	factory := &Factory{loop: loop}
	for _, opt := range options {
		opt.applyToFactory(factory)
	}
	if factory.tlsCache == nil {
		factory.tlsCache = tlscache.Default()
	}
	if factory.logger == nil {
		factory.logger = zap.NewNop()
	}
	if factory.clock == nil {
		factory.clock = internal.NewRealClock()
	}
	if factory.resolver == nil {
		factory.resolver = resolver.NewDNSResolver(net.DefaultResolver, "ip", resolver.PreferIPv4)
	}
	return factory
}

// DefaultFactory returns a Factory bound to the process-wide event loop,
// which must have been started with [eventloop.Start].
func DefaultFactory(options ...FactoryOption) (*Factory, error) {
	loop := eventloop.Current()
	if loop == nil {
		return nil, errNoLoop
	}
	return NewFactory(loop, options...), nil
}

// NewClient builds the mount table described by cfg and returns a Client
// using it. The Client does not change afterwards.
func (f *Factory) NewClient(cfg RouteConfig, options ...ClientOption) (*Client, error) {
	cfg = cfg.clone()
	var opts clientOptions
	for _, opt := range options {
		opt.applyToClient(&opts)
	}

	dialer := &net.Dialer{
		Timeout:   defaultDialTimeout,
		KeepAlive: defaultDialKeepAlive,
	}
	if cfg.LocalAddress != "" {
		ip := net.ParseIP(cfg.LocalAddress)
		if ip == nil {
			return nil, fmt.Errorf("invalid local address %q", cfg.LocalAddress)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}

	patterns := make([]string, 0, len(cfg.Proxies))
	for pattern := range cfg.Proxies {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	var mounts []mount
	for _, raw := range patterns {
		if !cfg.EnableHTTP && strings.HasPrefix(raw, "http://") {
			continue
		}
		pattern, err := parseMountPattern(raw)
		if err != nil {
			return nil, err
		}
		proxyURL := cfg.Proxies[raw]
		var transport Transport
		if proxydial.IsSOCKS(proxyURL) {
			transport, err = f.socksTransport(cfg, dialer, proxyURL)
		} else {
			transport, err = f.directTransport(cfg, dialer, proxyURL)
		}
		if err != nil {
			return nil, fmt.Errorf("mount %q: %w", raw, err)
		}
		mounts = append(mounts, mount{pattern: pattern, transport: transport})
	}
	fallback, err := f.directTransport(cfg, dialer, "")
	if err != nil {
		return nil, err
	}
	table := newMountTable(mounts, fallback)
	if !cfg.EnableHTTP {
		// plain HTTP is refused even where a host-specific proxy would match
		pattern, err := parseMountPattern("http://")
		if err != nil {
			return nil, err
		}
		table.block(pattern, blockedTransport{})
	}
	return newClient(f, table, cfg, opts), nil
}

// tlsConfig returns the cached TLS configuration for a transport. The proxy
// URL is only part of the key for SOCKS transports.
func (f *Factory) tlsConfig(cfg RouteConfig, proxyURL string) (*tls.Config, error) {
	key := tlscache.Key{
		ProxyURL: proxyURL,
		CertPath: cfg.Verify.CertPath(),
		Verify:   cfg.Verify.Enabled(),
		HTTP2:    cfg.EnableHTTP2,
	}
	return f.tlsCache.Get(key)
}

func (f *Factory) leafConfig(cfg RouteConfig, tlsProxyKey string) (leafConfig, error) {
	tlsConfig, err := f.tlsConfig(cfg, tlsProxyKey)
	if err != nil {
		return leafConfig{}, err
	}
	return leafConfig{
		tlsConfig:       tlsConfig,
		http2:           cfg.EnableHTTP2,
		maxConnections:  cfg.MaxConnections,
		maxKeepalive:    cfg.MaxKeepalive,
		keepaliveExpiry: cfg.KeepaliveExpiry,
	}, nil
}

func (f *Factory) directTransport(cfg RouteConfig, dialer *net.Dialer, rawProxyURL string) (*directTransport, error) {
	leafCfg, err := f.leafConfig(cfg, "")
	if err != nil {
		return nil, err
	}
	var proxyURL *url.URL
	if rawProxyURL != "" {
		proxyURL, err = url.Parse(rawProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		if proxyURL.Scheme == "" || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid proxy URL %q", rawProxyURL)
		}
		leafCfg.proxy = http.ProxyURL(proxyURL)
	}
	dial := withConnectRetries(dialer.DialContext, cfg.Retries)
	pool := newOriginPool(dial, leafCfg.factory(), f.logger)
	return &directTransport{
		exchanger: newExchanger(pool, leafCfg.tlsConfig, f.logger),
		proxyURL:  proxyURL,
	}, nil
}

func (f *Factory) socksTransport(cfg RouteConfig, dialer *net.Dialer, rawProxyURL string) (*socksTransport, error) {
	endpoint, err := proxydial.ParseURL(rawProxyURL)
	if err != nil {
		return nil, err
	}
	leafCfg, err := f.leafConfig(cfg, endpoint.URL())
	if err != nil {
		return nil, err
	}
	dial, err := endpoint.Dialer(dialer, f.resolver)
	if err != nil {
		return nil, err
	}
	pool := newOriginPool(withConnectRetries(dial, cfg.Retries), leafCfg.factory(), f.logger)
	return &socksTransport{
		exchanger: newExchanger(pool, leafCfg.tlsConfig, f.logger),
		endpoint:  endpoint,
	}, nil
}
