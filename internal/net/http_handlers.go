package net

import (
	"encoding/json"
	"log"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	server "dndemicube/server"
	"dndemicube/server/internal/net/ws"
	"dndemicube/server/internal/observability"
)

type HTTPHandlerConfig struct {
	ClientDir     string
	Logger        *log.Logger
	FrameRate     int
	Observability observability.Config
}

// NewHTTPHandler routes the health, diagnostics, keyframe and websocket
// endpoints.
func NewHTTPHandler(hub *server.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}).Methods(nethttp.MethodGet)

	router.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string             `json:"status"`
			ServerTime int64              `json:"serverTime"`
			FrameRate  int                `json:"frameRate"`
			Hub        server.Diagnostics `json:"hub"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			FrameRate:  cfg.FrameRate,
			Hub:        hub.DiagnosticsSnapshot(),
		}
		writeJSON(w, logger, payload)
	}).Methods(nethttp.MethodGet)

	router.HandleFunc("/keyframes/latest", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		serveKeyframe(w, r, hub, logger, 0)
	}).Methods(nethttp.MethodGet)

	router.HandleFunc("/keyframes/{sequence:[0-9]+}", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		sequence, err := strconv.ParseUint(mux.Vars(r)["sequence"], 10, 64)
		if err != nil || sequence == 0 {
			httpError(w, "invalid sequence", nethttp.StatusBadRequest)
			return
		}
		serveKeyframe(w, r, hub, logger, sequence)
	}).Methods(nethttp.MethodGet)

	handler := ws.NewHandler(hub, ws.HandlerConfig{Logger: logger})
	router.HandleFunc("/ws/dm", handler.HandleDM)
	router.HandleFunc("/ws/player", handler.HandlePlayer)

	cfg.Observability.Mount(router)

	if cfg.ClientDir != "" {
		router.PathPrefix("/").Handler(nethttp.FileServer(nethttp.Dir(cfg.ClientDir)))
	}

	return router
}

// serveKeyframe returns the player projection unless ?role=dm is given.
func serveKeyframe(w nethttp.ResponseWriter, r *nethttp.Request, hub *server.Hub, logger *log.Logger, sequence uint64) {
	role := server.RolePlayer
	if r.URL.Query().Get("role") == string(server.RoleDM) {
		role = server.RoleDM
	}
	frame, ok := hub.Keyframe(role, sequence)
	if !ok {
		httpError(w, "keyframe not found", nethttp.StatusNotFound)
		return
	}
	writeJSON(w, logger, frame)
}

func writeJSON(w nethttp.ResponseWriter, logger *log.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("failed to encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
