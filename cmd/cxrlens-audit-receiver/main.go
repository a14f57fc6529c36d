// Command cxrlens-audit-receiver accepts audit events from the webhook sink and
// appends them to a rotated JSONL file. It is meant for local integration runs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/straja-ai/cxrlens/internal/audit"
	"github.com/straja-ai/cxrlens/internal/redact"
)

const maxEventBytes = 1 << 20

func main() {
	addr := flag.String("addr", ":8099", "listen address")
	out := flag.String("out", "", "JSONL file receiving events (default: log only)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var sink audit.Sink
	if *out != "" {
		fs, err := audit.NewFileSink(*out, audit.FileOptions{MaxSizeMB: 50, MaxBackups: 3})
		if err != nil {
			logger.Error("open output", "error", err)
			os.Exit(1)
		}
		sink = fs
		defer fs.Close(context.Background())
	}

	mux := http.NewServeMux()
	mux.Handle("/audit", newHandler(sink, logger))
	mux.Handle("/", newHandler(sink, logger))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("audit receiver listening (POST JSON to /audit)", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("receiver error", "error", err)
		os.Exit(1)
	}
}

// newHandler decodes one event per request and forwards it to sink when set.
func newHandler(sink audit.Sink, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
		_ = r.Body.Close()
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if len(body) > maxEventBytes {
			http.Error(w, "event too large", http.StatusRequestEntityTooLarge)
			return
		}

		var ev audit.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, "invalid event json", http.StatusBadRequest)
			return
		}
		if ev.Version != audit.EventVersion || ev.ID == "" {
			http.Error(w, fmt.Sprintf("unsupported event version %q", ev.Version), http.StatusUnprocessableEntity)
			return
		}

		attrs := []any{"id", ev.ID, "kind", ev.Kind, "source", redact.String(ev.Source)}
		if ev.Decision != nil {
			attrs = append(attrs, "class", ev.Decision.Class, "severity", ev.Decision.Severity, "thresholded", ev.Decision.Thresholded)
		}
		if ev.Attribution != nil {
			attrs = append(attrs, "class", ev.Attribution.Class, "layer", ev.Attribution.Layer, "cached", ev.Attribution.Cached)
		}
		if ev.Error != "" {
			attrs = append(attrs, redact.Attr("error", ev.Error))
		}
		logger.Info("audit event received", attrs...)

		if sink != nil {
			if err := sink.Deliver(r.Context(), &ev); err != nil {
				logger.Error("store event", "error", err)
				http.Error(w, "store event", http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, `{"status":"ok"}`)
	}
}
