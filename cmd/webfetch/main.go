// Command webfetch fetches a URL and prints the decoded page together with
// the request headers that were actually sent on the wire.

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/xtruder/webfetch"
)

var (
	// Command line flags
	timeout  time.Duration
	headers  headerList
	headOnly bool
	verbose  bool
)

// headerList collects repeated -header name=value flags.
type headerList []string

func (h *headerList) String() string { return strings.Join(*h, ", ") }

func (h *headerList) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("expected name=value, got %q", v)
	}
	*h = append(*h, v)
	return nil
}

func main() {
	flag.DurationVar(&timeout, "timeout", webfetch.DefaultTimeout, "Request timeout")
	flag.Var(&headers, "header", "Extra request header as name=value (repeatable)")
	flag.BoolVar(&headOnly, "head", false, "Print request/response headers only, skip the body")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] URL\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	url := flag.Arg(0)

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	opts := []webfetch.Option{webfetch.WithTimeout(timeout)}
	for _, h := range headers {
		name, value, _ := strings.Cut(h, "=")
		opts = append(opts, webfetch.WithHeader(name, value))
	}

	r := webfetch.New(url, opts...)
	resp, err := r.Response()
	if err != nil {
		slog.Error("request failed", "url", url, "error", err)
		os.Exit(1)
	}

	// The captured block already ends with a blank line.
	fmt.Print(resp.RequestHeader)

	fmt.Println(resp.Status)
	for name, values := range resp.Header {
		for _, value := range values {
			fmt.Printf("%s: %s\n", name, value)
		}
	}
	fmt.Println()

	if headOnly {
		return
	}

	text, err := r.Unicode()
	if err != nil {
		slog.Error("reading body failed", "url", url, "error", err)
		os.Exit(1)
	}
	if tried := r.TriedEncodings(); len(tried) > 0 {
		slog.Warn("declared encodings failed", "url", url, "tried", tried)
	}
	fmt.Println(text)
}
