package engine

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/oikosnomo/ccu-bridge/internal/state"
)

// Handler returns the HTTP API: health, metrics, state inspection and user
// command writes.
func (e *Engine) Handler() http.Handler {
	router := mux.NewRouter()

	router.Handle("/health", e.metrics.WrapHandler("health", http.HandlerFunc(e.healthHandler))).Methods(http.MethodGet)
	router.Handle("/metrics", e.metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/state", e.metrics.WrapHandler("state", http.HandlerFunc(e.stateHandler))).Methods(http.MethodGet)
	api.Handle("/devices", e.metrics.WrapHandler("devices", http.HandlerFunc(e.devicesHandler))).Methods(http.MethodGet)
	api.Handle("/devices/{device}/sendcommand/{param}", e.metrics.WrapHandler("sendcommand", http.HandlerFunc(e.commandHandler))).Methods(http.MethodPut)

	return handlers.LoggingHandler(e.accessLog, router)
}

func (e *Engine) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"mode":      string(e.cfg.APIMode),
		"connected": e.registry.Connected(),
	})
}

func (e *Engine) stateHandler(w http.ResponseWriter, r *http.Request) {
	values, err := e.tree.Store().Values(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		e.logger.Error("state_query_failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, values)
}

func (e *Engine) devicesHandler(w http.ResponseWriter, _ *http.Request) {
	active := e.registry.ActiveDevices()
	if active == nil {
		active = []string{}
	}
	primary, _ := e.registry.ActiveDeviceID()
	writeJSON(w, http.StatusOK, map[string]any{
		"active":    active,
		"primary":   primary,
		"connected": e.registry.Connected(),
	})
}

type commandRequest struct {
	Value *float64 `json:"value"`
}

func (e *Engine) commandHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	device := state.DeviceID(vars["device"])
	param := vars["param"]

	if _, ok := e.dispatcher.Table().Lookup(param); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown parameter"})
		return
	}

	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Value == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"value\": <number>}"})
		return
	}

	if err := e.dispatcher.Request(r.Context(), device, param, *req.Value); err != nil {
		e.logger.Error("command_request_failed", "device", device, "param", param, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "request not recorded"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "device": device, "param": param, "value": *req.Value})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
