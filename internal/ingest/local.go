package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

const maxPushBody = 1 << 20

// LocalReceiver accepts telemetry pushed by devices on the local network.
type LocalReceiver struct {
	pipeline *Pipeline
	logger   *slog.Logger
	server   *http.Server
}

func NewLocalReceiver(addr string, pipeline *Pipeline, logger *slog.Logger) *LocalReceiver {
	r := &LocalReceiver{pipeline: pipeline, logger: logger}
	r.server = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return r
}

// Handler answers POST with a JSON document on any path and 404 for every
// other method. OPTIONS never reaches the router: the CORS layer answers
// preflights and plain OPTIONS with 200.
func (r *LocalReceiver) Handler() http.Handler {
	router := mux.NewRouter()
	router.PathPrefix("/").HandlerFunc(r.handle)

	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Content-Length", "X-Requested-With"}),
	)(router)
}

func (r *LocalReceiver) handle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "Not found")
		return
	}

	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	logger := r.logger.With("request_id", requestID, "remote", req.RemoteAddr)

	var doc map[string]any
	body := http.MaxBytesReader(w, req.Body, maxPushBody)
	if err := json.NewDecoder(body).Decode(&doc); err != nil || doc == nil {
		logger.Warn("push_invalid_json", "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	device, err := r.pipeline.Ingest(req.Context(), doc, Target{Source: "local", Live: true})
	switch {
	case errors.Is(err, ErrMissingDeviceID):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid deviceId"})
		return
	case err != nil:
		logger.Error("push_ingest_failed", "device", device, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ingest failed"})
		return
	}

	logger.Debug("push_received", "device", device)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Run serves until ctx is cancelled.
func (r *LocalReceiver) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.server.Addr, err)
	}
	r.logger.Info("local_receiver_listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- r.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
