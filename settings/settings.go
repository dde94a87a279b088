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

// Package settings reads the "outgoing" section of a YAML settings file,
// which configures the outbound HTTP clients.
package settings

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"sort"
	"time"

	"github.com/bufbuild/httpmount"
	"gopkg.in/yaml.v3"
)

var errInvalid = errors.New("invalid outgoing settings")

// Settings is the part of a settings file this package understands.
type Settings struct {
	Outgoing Outgoing `yaml:"outgoing"`
}

// Outgoing configures outbound requests. Named networks inherit every
// value they do not set themselves.
type Outgoing struct {
	// RequestTimeout is the default timeout of a request, in seconds.
	RequestTimeout  float64              `yaml:"request_timeout"`
	EnableHTTP      bool                 `yaml:"enable_http"`
	Verify          Verify               `yaml:"verify"`
	EnableHTTP2     bool                 `yaml:"enable_http2"`
	PoolConnections int                  `yaml:"pool_connections"`
	PoolMaxsize     int                  `yaml:"pool_maxsize"`
	KeepaliveExpiry float64              `yaml:"keepalive_expiry"`
	Proxies         Proxies              `yaml:"proxies"`
	SourceIPs       []string             `yaml:"source_ips"`
	Retries         int                  `yaml:"retries"`
	MaxRedirects    int                  `yaml:"max_redirects"`
	Networks        map[string]yaml.Node `yaml:"networks"`
}

// Default returns the settings used when a file sets nothing.
func Default() *Settings {
	return &Settings{
		Outgoing: Outgoing{
			RequestTimeout:  3.0,
			EnableHTTP:      false,
			Verify:          Verify{Enabled: true},
			EnableHTTP2:     true,
			PoolConnections: 100,
			PoolMaxsize:     20,
			KeepaliveExpiry: 5.0,
			Retries:         0,
			MaxRedirects:    30,
		},
	}
}

// Load reads settings from the YAML file at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	settings, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}

// Parse reads settings from YAML. Values missing from data keep their
// defaults.
func Parse(data []byte) (*Settings, error) {
	settings := Default()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, err
	}
	if err := settings.Outgoing.validate(); err != nil {
		return nil, err
	}
	for _, name := range settings.Outgoing.NetworkNames() {
		if _, err := settings.Outgoing.Network(name); err != nil {
			return nil, err
		}
	}
	return settings, nil
}

func (o *Outgoing) validate() error {
	switch {
	case o.RequestTimeout <= 0:
		return fmt.Errorf("%w: request_timeout must be positive", errInvalid)
	case o.PoolConnections < 0, o.PoolMaxsize < 0:
		return fmt.Errorf("%w: pool sizes cannot be negative", errInvalid)
	case o.KeepaliveExpiry < 0:
		return fmt.Errorf("%w: keepalive_expiry cannot be negative", errInvalid)
	case o.Retries < 0, o.MaxRedirects < 0:
		return fmt.Errorf("%w: retries and max_redirects cannot be negative", errInvalid)
	}
	return nil
}

// NetworkNames returns the sorted names of the configured networks.
func (o *Outgoing) NetworkNames() []string {
	names := make([]string, 0, len(o.Networks))
	for name := range o.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Network returns the settings of the named network: the outgoing settings
// overridden by whatever the network sets.
func (o *Outgoing) Network(name string) (*Outgoing, error) {
	node, ok := o.Networks[name]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", name)
	}
	network := *o
	network.Proxies = maps.Clone(o.Proxies)
	network.SourceIPs = append([]string(nil), o.SourceIPs...)
	network.Networks = nil
	if err := node.Decode(&network); err != nil {
		return nil, fmt.Errorf("network %q: %w", name, err)
	}
	if err := network.validate(); err != nil {
		return nil, fmt.Errorf("network %q: %w", name, err)
	}
	return &network, nil
}

// Timeout returns RequestTimeout as a duration.
func (o *Outgoing) Timeout() time.Duration {
	return seconds(o.RequestTimeout)
}

// RouteConfig converts the settings into the configuration of a client.
// Only the first source IP is used.
func (o *Outgoing) RouteConfig() httpmount.RouteConfig {
	cfg := httpmount.RouteConfig{
		EnableHTTP:      o.EnableHTTP,
		Verify:          o.Verify.routeVerify(),
		EnableHTTP2:     o.EnableHTTP2,
		MaxConnections:  o.PoolConnections,
		MaxKeepalive:    o.PoolMaxsize,
		KeepaliveExpiry: seconds(o.KeepaliveExpiry),
		Proxies:         maps.Clone(o.Proxies),
		Retries:         o.Retries,
		MaxRedirects:    o.MaxRedirects,
	}
	if len(o.SourceIPs) > 0 {
		cfg.LocalAddress = o.SourceIPs[0]
	}
	return cfg
}

func seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}

// Verify is either a boolean or the path of a CA bundle.
type Verify struct {
	Enabled  bool
	CertPath string
}

func (v *Verify) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: verify must be a boolean or a path", value.Line)
	}
	if value.Tag == "!!bool" {
		var enabled bool
		if err := value.Decode(&enabled); err != nil {
			return err
		}
		*v = Verify{Enabled: enabled}
		return nil
	}
	if value.Value == "" {
		return fmt.Errorf("line %d: verify path is empty", value.Line)
	}
	*v = Verify{Enabled: true, CertPath: value.Value}
	return nil
}

func (v Verify) routeVerify() httpmount.Verify {
	switch {
	case !v.Enabled:
		return httpmount.VerifyOff()
	case v.CertPath != "":
		return httpmount.VerifyCert(v.CertPath)
	default:
		return httpmount.VerifyOn()
	}
}

// Proxies maps mount patterns to proxy URLs. A single URL applies to
// every request.
type Proxies map[string]string

func (p *Proxies) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*p = nil
			return nil
		}
		*p = Proxies{"all://": value.Value}
		return nil
	case yaml.MappingNode:
		var proxies map[string]string
		if err := value.Decode(&proxies); err != nil {
			return fmt.Errorf("line %d: proxies must map patterns to a single proxy URL: %w", value.Line, err)
		}
		*p = proxies
		return nil
	default:
		return fmt.Errorf("line %d: proxies must be a URL or a mapping", value.Line)
	}
}
