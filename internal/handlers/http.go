package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"labcap/internal/capture"
	"labcap/internal/core"
	"labcap/internal/models"
	"labcap/internal/session"
)

const maxBodySize = 64 << 10

// CaptureStore serves recorded captures directly from the engine.
type CaptureStore interface {
	PcapPath(key string) (string, error)
	Conversations(ctx context.Context, key string) ([]models.Conversation, error)
}

// API serves the capture session HTTP surface.
type API struct {
	mgr   *session.Manager
	store CaptureStore
}

// RegisterRoutes sets up all HTTP routes on r. hub may be nil.
func RegisterRoutes(r *mux.Router, mgr *session.Manager, store CaptureStore, hub *Hub) {
	api := &API{mgr: mgr, store: store}
	v0 := r.PathPrefix("/api/v0").Subrouter()

	links := v0.PathPrefix("/links/{link_id}").Subrouter()
	links.HandleFunc("", api.register("link_id", session.Wired)).Methods(http.MethodPut)
	links.HandleFunc("", api.unregister("link_id")).Methods(http.MethodDelete)
	links.HandleFunc("/capture/start", api.startWired).Methods(http.MethodPut)
	links.HandleFunc("/capture/stop", api.stop("link_id", false)).Methods(http.MethodPut)
	links.HandleFunc("/capture/status", api.status("link_id")).Methods(http.MethodGet)
	links.HandleFunc("/capture/packets", api.packets("link_id")).Methods(http.MethodGet)
	links.HandleFunc("/capture/packet/{packet_id}", api.packet("link_id")).Methods(http.MethodGet)
	links.HandleFunc("/capture/download", api.download("link_id")).Methods(http.MethodGet)
	links.HandleFunc("/capture/conversations", api.conversations("link_id")).Methods(http.MethodGet)

	nodes := v0.PathPrefix("/nodes/{node_id}").Subrouter()
	nodes.HandleFunc("", api.register("node_id", session.Wireless)).Methods(http.MethodPut)
	nodes.HandleFunc("", api.unregister("node_id")).Methods(http.MethodDelete)
	nodes.HandleFunc("/wireless/capture/start", api.startWireless).Methods(http.MethodPut)
	nodes.HandleFunc("/wireless/capture/stop", api.stop("node_id", true)).Methods(http.MethodPut)
	nodes.HandleFunc("/wireless/capture/status", api.status("node_id")).Methods(http.MethodGet)
	nodes.HandleFunc("/wireless/capture/packets", api.packets("node_id")).Methods(http.MethodGet)
	nodes.HandleFunc("/wireless/capture/packet/{packet_id}", api.packet("node_id")).Methods(http.MethodGet)
	nodes.HandleFunc("/wireless/capture/download", api.download("node_id")).Methods(http.MethodGet)
	nodes.HandleFunc("/wireless/capture/conversations", api.conversations("node_id")).Methods(http.MethodGet)

	if hub != nil {
		r.HandleFunc("/ws", hub.HandleWebSocket)
	}
}

// captureKey reads a UUID path variable and returns it in canonical form.
func captureKey(r *http.Request, name string) (string, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return "", core.Invalid(name, "must be a UUID")
	}
	return id.String(), nil
}

func (a *API) register(param string, kind session.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := captureKey(r, param)
		if err != nil {
			writeError(w, err)
			return
		}
		s, err := a.mgr.Create(key, kind)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.Status().Response())
	}
}

func (a *API) unregister(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := captureKey(r, param)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := a.mgr.Destroy(r.Context(), key); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) startWired(w http.ResponseWriter, r *http.Request) {
	key, err := captureKey(r, "link_id")
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := capture.ParseConfig(body)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := a.mgr.Start(r.Context(), key, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Response())
}

func (a *API) startWireless(w http.ResponseWriter, r *http.Request) {
	key, err := captureKey(r, "node_id")
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	wc, err := capture.ParseWirelessConfig(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.mgr.StartWireless(r.Context(), key, wc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf("Packet capture started on node %s", key))
}

func (a *API) stop(param string, wireless bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := captureKey(r, param)
		if err != nil {
			writeError(w, err)
			return
		}
		if wireless {
			if _, err := a.mgr.StopWireless(r.Context(), key); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, fmt.Sprintf("Packet capture stopped on node %s", key))
			return
		}
		st, err := a.mgr.Stop(r.Context(), key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st.Response())
	}
}

func (a *API) status(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := captureKey(r, param)
		if err != nil {
			writeError(w, err)
			return
		}
		st, err := a.mgr.Status(key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st.Response())
	}
}

func (a *API) packets(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := captureKey(r, param)
		if err != nil {
			writeError(w, err)
			return
		}
		page := 1
		if raw := r.URL.Query().Get("page"); raw != "" {
			page, err = strconv.Atoi(raw)
			if err != nil {
				writeError(w, core.Invalid("page", "must be an integer"))
				return
			}
		}
		rows, err := a.mgr.ListPackets(r.Context(), key, page)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func (a *API) packet(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := captureKey(r, param)
		if err != nil {
			writeError(w, err)
			return
		}
		number, err := strconv.Atoi(mux.Vars(r)["packet_id"])
		if err != nil {
			writeError(w, core.Invalid("packet_id", "must be an integer"))
			return
		}
		pkt, err := a.mgr.DecodePacket(r.Context(), key, number)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pkt)
	}
}

func (a *API) download(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := captureKey(r, param)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := a.mgr.Get(key); err != nil {
			writeError(w, err)
			return
		}
		path, err := a.store.PcapPath(key)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
		http.ServeFile(w, r, path)
	}
}

func (a *API) conversations(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := captureKey(r, param)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := a.mgr.Get(key); err != nil {
			writeError(w, err)
			return
		}
		convs, err := a.store.Conversations(r.Context(), key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, core.Invalid("", "read request body: %v", err)
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}

// errorStatus maps the error taxonomy onto HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrEngineUnavailable):
		return http.StatusServiceUnavailable, "engine_unavailable"
	case errors.Is(err, core.ErrValidation):
		return http.StatusUnprocessableEntity, "validation"
	case errors.Is(err, core.ErrInvalidCaptureKey):
		return http.StatusBadRequest, "invalid_capture_key"
	case errors.Is(err, core.ErrDecodeTooDeep):
		return http.StatusBadRequest, "decode_too_deep"
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, core.ErrPacketNotFound):
		return http.StatusNotFound, "packet_not_found"
	case errors.Is(err, core.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, core.ErrSessionExists):
		return http.StatusConflict, "session_exists"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, kind := errorStatus(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, errorBody{Kind: kind, Message: err.Error()})
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"detail"`
}
