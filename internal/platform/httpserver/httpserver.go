package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/packfarm/packfarm/internal/platform/requestid"
)

// Config is the listener of one packfarm service.
type Config struct {
	Service         string
	Addr            string
	ShutdownTimeout time.Duration
}

// Run serves handler on cfg.Addr until ctx ends, then drains in-flight
// requests for at most ShutdownTimeout. Build log streams and source
// downloads run for minutes, so responses have no write deadline.
func Run(ctx context.Context, logger *slog.Logger, cfg Config, handler http.Handler) error {
	switch {
	case cfg.Service == "":
		return errors.New("service is required")
	case cfg.Addr == "":
		return errors.New("addr is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Minute,
		IdleTimeout:       time.Minute,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	served := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", ln.Addr().String())
		served <- srv.Serve(ln)
	}()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	drain, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drain); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

// Wrap adds the middleware every service runs behind: request ids, the
// access log and panic recovery, outermost first.
func Wrap(logger *slog.Logger, service string, next http.Handler) http.Handler {
	h := recoverPanics(logger, next)
	h = accessLog(logger, h)
	return withRequestID(service, h)
}

func Healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"service": service, "status": "ok"})
	}
}

// ReadinessCheck is one dependency /readyz reports on, such as the database
// or an object store bucket.
type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ReadyzWithChecks runs every check concurrently and answers 503 unless all
// of them pass.
func ReadyzWithChecks(service string, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make([]checkResult, len(checks))
		var wg sync.WaitGroup
		for i, check := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				start := time.Now()
				res := checkResult{Name: check.Name, Status: "ok"}
				if err := check.Check(r.Context()); err != nil {
					res.Status, res.Error = "fail", err.Error()
				}
				res.DurationMs = time.Since(start).Milliseconds()
				results[i] = res
			}()
		}
		wg.Wait()

		status, code := "ready", http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		WriteJSON(w, code, map[string]any{"service": service, "status": status, "checks": results})
	}
}

type requestIDKey struct{}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}

// withRequestID keeps the caller's X-Request-Id so one id follows a job
// submission from the gateway through vessel to the builders.
func withRequestID(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			var err error
			if id, err = requestid.New(); err != nil {
				id = fmt.Sprintf("%s-%d", service, time.Now().UnixNano())
			}
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// responseRecorder remembers the status and size of a response.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *responseRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseRecorder) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *responseRecorder) ReadFrom(r io.Reader) (int64, error) {
	n, err := io.Copy(w.ResponseWriter, r)
	w.bytes += n
	return n, err
}

// Flush keeps streamed build logs moving.
func (w *responseRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// accessLog logs one line per request. Health probes only log at debug.
func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		id, _ := RequestIDFromContext(r.Context())
		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelError
		case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
			level = slog.LevelDebug
		}
		logger.Log(r.Context(), level, "http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func recoverPanics(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			id, _ := RequestIDFromContext(r.Context())
			logger.Error("panic recovered", "request_id", id, "path", r.URL.Path, "panic", v)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_server_error", "request_id": id})
		}()
		next.ServeHTTP(w, r)
	})
}
