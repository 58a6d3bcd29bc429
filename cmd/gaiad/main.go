// gaiad serves a vibemesh aggregator: sprites POST partial snapshots of the
// overlay and get back geo-filtered, sampled projections to pick their next
// peers from.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vibemesh/vibemesh"
)

var (
	Listen  = flag.String("listen", "127.0.0.1:6021", "address to listen on")
	ImgPath = flag.String("img-path", "/img", "path of the merge-and-snapshot endpoint")
	Token   = flag.String("token", "", "bearer token clients must present (empty disables auth)")
	Debug   = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *Debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	opts := []vibemesh.Option{vibemesh.WithLog(handler)}
	if *Token != "" {
		opts = append(opts, vibemesh.WithTokenVerifier(vibemesh.StaticTokenVerifier{Token: *Token}))
	}
	gaia, err := vibemesh.NewGaia(opts...)
	if err != nil {
		logger.Error("failed to create aggregator", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle(*ImgPath, gaia)

	server := &http.Server{
		Addr:              *Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("terminating...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logger.Info("gaiad listening", "addr", *Listen, "path", *ImgPath)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(2)
	}
}
