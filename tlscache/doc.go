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

// Package tlscache memoizes TLS client configurations.
//
// Building a [tls.Config] that carries a root CA pool is expensive, and every
// outbound transport of a process ends up asking for one of a handful of
// distinct configurations. A [Cache] builds each configuration once and then
// hands out the same shared *tls.Config to every caller using an equal [Key].
// The cache is append-only: entries are never evicted.
package tlscache
