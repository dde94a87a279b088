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
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Origin is the (scheme, host, port) identity that connection pools key
// reuse on.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// OriginFromURL computes the origin of the given URL. A missing scheme is
// assumed to be "http", and a missing port is filled in from the scheme.
func OriginFromURL(dest *url.URL) Origin {
	origin := Origin{
		Scheme: strings.ToLower(dest.Scheme),
		Host:   strings.ToLower(dest.Hostname()),
	}
	if origin.Scheme == "" {
		origin.Scheme = "http"
	}
	if port, err := strconv.Atoi(dest.Port()); err == nil {
		origin.Port = port
	} else {
		origin.Port = defaultPort(origin.Scheme)
	}
	return origin
}

func defaultPort(scheme string) int {
	switch scheme {
	case "https":
		return 443
	case "http":
		return 80
	default:
		return 0
	}
}

// HostPort returns the "host:port" form of the origin.
func (o Origin) HostPort() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o Origin) String() string {
	return o.Scheme + "://" + o.HostPort()
}
