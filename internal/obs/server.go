package obs

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe supplies the dynamic parts of the HTTP endpoint.
type Probe struct {
	// Ready gates /readyz; nil means always ready.
	Ready func() bool
	// Streams backs /api/streams; nil disables the route.
	Streams func(ctx context.Context) (any, error)
}

// NewHandler builds the mux serving /metrics, /healthz, /readyz and /api/streams.
func NewHandler(p Probe) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if p.Ready != nil && !p.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if p.Streams != nil {
		mux.HandleFunc("/api/streams", func(w http.ResponseWriter, r *http.Request) {
			v, err := p.Streams(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(v)
		})
	}
	return mux
}

// Serve runs the endpoint on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, p Probe) error {
	srv := &http.Server{Handler: NewHandler(p), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and calls Serve.
func ListenAndServe(ctx context.Context, addr string, p Probe) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, p)
}
