package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/greenwichg/etl-transforations/internal/config"
)

// runStatusCommand queries the daemon's healthz endpoint and prints the
// response. Exit code 0 means healthy, 1 means degraded or unreachable.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "", "gateway address (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	target := *addr
	if target == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		if !cfg.Gateway.Enabled {
			fmt.Fprintln(os.Stderr, "gateway is disabled in config, pass -addr to query another daemon")
			return 1
		}
		target = cfg.Gateway.Addr
	}

	url := fmt.Sprintf("http://%s/api/v1/healthz", target)
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon unreachable at %s: %v\n", target, err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		return 1
	}
	fmt.Println(string(body))

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
