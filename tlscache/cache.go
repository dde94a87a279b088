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

package tlscache

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"
)

// envCertFile names the environment variable consulted when Key.TrustEnv
// is set.
const envCertFile = "SSL_CERT_FILE"

//nolint:gochecknoglobals
var defaultCache = sync.OnceValue(New)

// Key identifies a TLS configuration.
type Key struct {
	// ProxyURL is the proxy the configuration is used through, if any.
	ProxyURL string
	// CertPath is the path of a PEM bundle of trusted root CAs. When empty,
	// the system roots are used.
	CertPath string
	// Verify controls whether server certificates are verified at all.
	Verify bool
	// TrustEnv adds the roots named by the SSL_CERT_FILE environment variable.
	TrustEnv bool
	// HTTP2 advertises "h2" through ALPN in addition to "http/1.1".
	HTTP2 bool
}

func (k Key) String() string {
	return fmt.Sprintf("%q|%q|%t|%t|%t", k.ProxyURL, k.CertPath, k.Verify, k.TrustEnv, k.HTTP2)
}

// Cache memoizes TLS configurations by Key. It is safe for concurrent use.
type Cache struct {
	group    singleflight.Group
	getenv   func(string) string
	readFile func(string) ([]byte, error)

	mu sync.RWMutex
	// +checklocks:mu
	configs map[Key]*tls.Config
}

// New returns an empty cache, isolated from the process-wide one.
func New() *Cache {
	return &Cache{
		getenv:   os.Getenv,
		readFile: os.ReadFile,
		configs:  map[Key]*tls.Config{},
	}
}

// Default returns the process-wide cache.
func Default() *Cache {
	return defaultCache()
}

// Get returns the configuration for the given key, building it on first
// use. The returned value is shared and must not be modified.
//
// A configuration that fails to build (for example, because the CA bundle
// cannot be read) is not cached; the next call will try again.
func (c *Cache) Get(key Key) (*tls.Config, error) {
	if config := c.lookup(key); config != nil {
		return config, nil
	}
	val, err, _ := c.group.Do(key.String(), func() (any, error) {
		// another caller may have stored it between lookup and Do
		if config := c.lookup(key); config != nil {
			return config, nil
		}
		config, err := c.build(key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.configs[key] = config
		c.mu.Unlock()
		return config, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*tls.Config), nil //nolint:forcetypeassert // only *tls.Config is stored
}

// Len returns the number of cached configurations.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.configs)
}

func (c *Cache) lookup(key Key) *tls.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configs[key]
}

func (c *Cache) build(key Key) (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}
	if key.HTTP2 {
		config.NextProtos = []string{"h2", "http/1.1"}
	} else {
		config.NextProtos = []string{"http/1.1"}
	}
	if !key.Verify {
		config.InsecureSkipVerify = true //nolint:gosec // explicitly requested
		return config, nil
	}
	var bundles []string
	if key.CertPath != "" {
		bundles = append(bundles, key.CertPath)
	}
	if key.TrustEnv {
		if path := c.getenv(envCertFile); path != "" {
			bundles = append(bundles, path)
		}
	}
	if len(bundles) == 0 {
		return config, nil
	}
	roots := x509.NewCertPool()
	for _, path := range bundles {
		data, err := c.readFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("CA bundle %s: %w", path, errNoCertificates)
		}
	}
	config.RootCAs = roots
	return config, nil
}

var errNoCertificates = errors.New("no PEM certificates found")
