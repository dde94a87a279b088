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

// Command httpmount sends requests through the outbound clients configured
// by a settings file, and shows how URLs are routed.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bufbuild/httpmount"
	"github.com/bufbuild/httpmount/eventloop"
	"github.com/bufbuild/httpmount/metrics"
	"github.com/bufbuild/httpmount/settings"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const engineName = "cli"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	network    string
	timeout    time.Duration
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "httpmount",
		Short:        "Send requests through configured outbound HTTP clients",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (YAML); defaults apply when empty")
	root.PersistentFlags().StringVar(&opts.network, "network", "", "named network of the settings file to use")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "request timeout, overriding request_timeout")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log at debug level")
	root.AddCommand(newFetchCommand(opts), newRoutesCommand(opts))
	return root
}

func newFetchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch URL...",
		Short: "GET the given URLs concurrently and print a summary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), cmd.OutOrStdout(), opts, args)
		},
	}
}

func newRoutesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "routes URL...",
		Short: "Print the mount pattern that serves each URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoutes(cmd.Context(), cmd.OutOrStdout(), opts, args)
		},
	}
}

// session is what both commands need: the outgoing settings, a running
// loop and a client.
type session struct {
	outgoing *settings.Outgoing
	logger   *zap.Logger
	loop     *eventloop.Loop
	client   *httpmount.Client
	storage  *metrics.Storage
}

func openSession(ctx context.Context, opts *options) (*session, error) {
	outgoing, err := loadOutgoing(opts)
	if err != nil {
		return nil, err
	}
	timeout := outgoing.Timeout()
	if opts.timeout > 0 {
		timeout = opts.timeout
	}
	logger, err := newLogger(opts.debug)
	if err != nil {
		return nil, err
	}
	loop := eventloop.New(eventloop.WithLogger(logger))
	if err := loop.Start(ctx); err != nil {
		return nil, err
	}
	storage := metrics.Initialize([]string{engineName}, timeout)
	factory := httpmount.NewFactory(loop, httpmount.WithLogger(logger))
	client, err := factory.NewClient(
		outgoing.RouteConfig(),
		httpmount.WithRequestTimeout(timeout),
		httpmount.WithResponseObserver(metrics.Observer(storage, engineName)),
	)
	if err != nil {
		loop.Stop()
		return nil, err
	}
	return &session{outgoing: outgoing, logger: logger, loop: loop, client: client, storage: storage}, nil
}

func (s *session) close() {
	s.client.Close()
	s.loop.Stop()
	_ = s.logger.Sync()
}

func loadOutgoing(opts *options) (*settings.Outgoing, error) {
	loaded := settings.Default()
	if opts.configPath != "" {
		var err error
		if loaded, err = settings.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.network != "" {
		return loaded.Outgoing.Network(opts.network)
	}
	return &loaded.Outgoing, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

type fetchResult struct {
	url     string
	status  int
	size    int64
	elapsed time.Duration
	err     error
}

func runFetch(ctx context.Context, out io.Writer, opts *options, urls []string) error {
	sess, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer sess.close()

	var (
		mu      sync.Mutex
		results = make([]fetchResult, 0, len(urls))
	)
	grp, ctx := errgroup.WithContext(ctx)
	for _, rawURL := range urls {
		grp.Go(func() error {
			result := fetch(ctx, sess.client, rawURL)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, result)
			return nil
		})
	}
	_ = grp.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].url < results[j].url
	})
	var failed int
	for _, result := range results {
		if result.err != nil {
			failed++
			kind := "error"
			var mountErr *httpmount.Error
			if errors.As(result.err, &mountErr) {
				kind = mountErr.Kind.String()
			}
			fmt.Fprintf(out, "FAIL %s: %s (%v)\n", result.url, kind, result.err)
			continue
		}
		fmt.Fprintf(out, "%d %s %dB %s\n", result.status, result.url, result.size, result.elapsed.Round(time.Millisecond))
	}
	printSummary(out, sess.storage)
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(results))
	}
	return nil
}

func fetch(ctx context.Context, client *httpmount.Client, rawURL string) fetchResult {
	start := time.Now()
	result := fetchResult{url: rawURL}
	resp, err := client.Request(ctx, http.MethodGet, rawURL, nil, nil)
	if err != nil {
		result.err = err
		return result
	}
	defer resp.Body.Close()
	result.status = resp.StatusCode
	result.size, result.err = io.Copy(io.Discard, resp.Body)
	result.elapsed = time.Since(start)
	return result
}

func printSummary(out io.Writer, storage *metrics.Storage) {
	histogram := storage.Histogram("engine", engineName, "time", "http")
	if histogram.Count() == 0 {
		return
	}
	fmt.Fprintf(out, "responses: %d, average %.3fs", histogram.Count(), histogram.Average())
	for _, percentile := range []float64{50, 80, 95} {
		if value, ok := histogram.Percentage(percentile); ok {
			fmt.Fprintf(out, ", p%.0f %.1fs", percentile, value)
		}
	}
	fmt.Fprintln(out)
	counters := storage.Counters("engine", engineName, "response")
	paths := make([]string, 0, len(counters))
	for path := range counters {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if counters[path] > 0 {
			fmt.Fprintf(out, "  %s: %d\n", path, counters[path])
		}
	}
}

func runRoutes(ctx context.Context, out io.Writer, opts *options, urls []string) error {
	sess, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer sess.close()
	for _, rawURL := range urls {
		pattern, err := sess.client.Route(rawURL)
		if err != nil {
			return err
		}
		if pattern == "" {
			pattern = "(default)"
		}
		fmt.Fprintf(out, "%s -> %s\n", rawURL, pattern)
	}
	return nil
}
