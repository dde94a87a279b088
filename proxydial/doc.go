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

// Package proxydial parses SOCKS proxy URLs and builds dialers that tunnel
// connections through them.
//
// Three schemes are understood:
//
//   - socks5h://host:port: SOCKS5, destination names are resolved by the
//     proxy. The endpoint is rewritten to socks5:// with RDNS set.
//   - socks5://host:port: SOCKS5, destination names are resolved locally.
//   - socks4://host:port: SOCKS4, destination names are resolved locally.
//
// Every failure of the proxy leg of a dial is reported as an [*Error], so
// callers can tell a broken proxy apart from a broken destination.
package proxydial
