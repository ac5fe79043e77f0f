// Package useragent presents authorization pages to the user and captures
// the provider's redirect.
package useragent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

var _ driven.UserAgent = (*Loopback)(nil)

const shutdownTimeout = 2 * time.Second

const completedPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>sercha-connect</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em">
<p>Authorization finished. You can close this window.</p>
</body>
</html>`

// Opener launches authURL in a browser.
type Opener func(ctx context.Context, authURL string) error

// SystemBrowser opens authURL with the platform's default handler.
func SystemBrowser(ctx context.Context, authURL string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", authURL)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", authURL)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", authURL)
	}
	return cmd.Start()
}

// Loopback serves a one-shot HTTP callback on the redirect address and opens
// the authorization page in a browser. The redirect scheme must be an
// http URL on a loopback host, e.g. "http://127.0.0.1:53682/callback".
type Loopback struct {
	open   Opener
	logger *slog.Logger
}

// NewLoopback creates a loopback agent. open defaults to SystemBrowser.
func NewLoopback(open Opener, logger *slog.Logger) *Loopback {
	if open == nil {
		open = SystemBrowser
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{open: open, logger: logger}
}

// Open implements driven.UserAgent. Cancelling ctx counts as the user
// dismissing the page; a ctx deadline is returned as is.
func (l *Loopback) Open(ctx context.Context, authURL, redirectScheme string) (*url.URL, error) {
	redirect, err := url.Parse(redirectScheme)
	if err != nil {
		return nil, fmt.Errorf("%w: redirect scheme: %v", domain.ErrInvalidInput, err)
	}
	if redirect.Scheme != "http" || !isLoopback(redirect.Hostname()) {
		return nil, fmt.Errorf("%w: loopback agent needs an http://127.0.0.1 or http://localhost redirect, got %q",
			domain.ErrInvalidInput, redirectScheme)
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("listen for callback: %w", err)
	}

	callbacks := make(chan *url.URL, 1)
	var once sync.Once
	prefix := redirect.Path
	if prefix == "" {
		prefix = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		got := &url.URL{
			Scheme:   redirect.Scheme,
			Host:     redirect.Host,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
		}
		once.Do(func() { callbacks <- got })
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(completedPage))
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("callback server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.logger.Info("waiting for authorization callback", "address", listener.Addr().String())
	if err := l.open(ctx, authURL); err != nil {
		return nil, fmt.Errorf("open browser: %w", err)
	}

	select {
	case got := <-callbacks:
		return got, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("%w: %v", domain.ErrUserCancelled, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
