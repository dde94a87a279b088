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

// Package eventloop provides the long-lived execution context that hosts
// every outbound exchange of a process.
//
// A [Loop] owns one dispatcher goroutine. Callers on any goroutine hand it
// work with [Loop.Go], or with [Call] when they want to block until a result
// is available. The dispatcher starts each task on its own goroutine, so a
// slow exchange never holds up another one, and the loop keeps track of
// in-flight tasks so that it can be stopped in an orderly fashion.
//
// A process normally starts exactly one loop with [Start] and retrieves it
// with [Current]. Starting it twice is a configuration error and is reported
// as [ErrAlreadyStarted]. Tests that need isolation create their own with
// [New].
package eventloop
