// Package adminapi is the dispatcher's HTTP surface: submit/cancel/status,
// queue status, a WebSocket dashboard feed, and liveness. Handlers use
// plain net/http, json.NewDecoder/Encoder, and http.Error for failures.
package adminapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
	"github.com/nnatri/modelmesh/internal/dispatcher"
	"github.com/nnatri/modelmesh/internal/eventbus"
)

// API wires the HTTP handlers to the dispatcher and event bus.
type API struct {
	dispatcher *dispatcher.Dispatcher
	wsHub      *eventbus.WebSocketHub
	upgrader   websocket.Upgrader
}

// New builds an API bound to disp and the event bus feeding wsHub.
func New(disp *dispatcher.Dispatcher, wsHub *eventbus.WebSocketHub) *API {
	return &API{
		dispatcher: disp,
		wsHub:      wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// submitRequest is the POST /requests wire body.
type submitRequest struct {
	ID            string                  `json:"id"`
	Scenario      dispatchcore.ScenarioTag `json:"scenario"`
	ModelOverride string                  `json:"modelOverride"`
	Prompt        string                  `json:"prompt"`
	SystemPrompt  string                  `json:"systemPrompt"`
	Options       map[string]any          `json:"options"`
	Stream        bool                    `json:"stream"`
	MaxRetries    int                     `json:"maxRetries"`
	TimeoutMs     int                     `json:"timeoutMs"`
	Priority      int                     `json:"priority"`
	Metadata      map[string]any          `json:"metadata"`
}

// HandleRequests routes POST /requests (submit), GET /requests/{id}
// (status) and DELETE /requests/{id} (cancel) — registered at both the
// collection and item paths by the caller's mux.
func (a *API) HandleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleSubmit(w, r)
	case http.MethodGet:
		a.handleGet(w, r)
	case http.MethodDelete:
		a.handleCancel(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	spec := dispatchcore.RequestSpec{
		ID:            req.ID,
		Scenario:      req.Scenario,
		ModelOverride: req.ModelOverride,
		Prompt:        req.Prompt,
		SystemPrompt:  req.SystemPrompt,
		Options:       req.Options,
		Stream:        req.Stream,
		MaxRetries:    req.MaxRetries,
		TimeoutMs:     req.TimeoutMs,
		Priority:      req.Priority,
		Metadata:      req.Metadata,
	}

	id, err := a.dispatcher.Submit(spec)
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := idFromPath(r.URL.Path, "/requests/")
	if id == "" {
		http.Error(w, "missing request id", http.StatusBadRequest)
		return
	}
	state, ok := a.dispatcher.Get(id)
	if !ok {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := idFromPath(r.URL.Path, "/requests/")
	if id == "" {
		http.Error(w, "missing request id", http.StatusBadRequest)
		return
	}
	if !a.dispatcher.Cancel(id) {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleQueueStatus implements GET /queue/status.
func (a *API) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := a.dispatcher.QueueStatus()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// HandleHealth implements GET /health.
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleDashboardStream upgrades GET /dashboard/stream to a WebSocket
// connection and registers it with the hub for event fan-out.
func (a *API) HandleDashboardStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("dashboard stream upgrade failed: %v", err)
		return
	}
	a.wsHub.Register(conn)

	// Drain and discard reads so the connection's close/ping frames are
	// processed; the client never sends application data.
	go func() {
		defer a.wsHub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeDispatchError(w http.ResponseWriter, err error) {
	var derr *dispatchcore.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case dispatchcore.ErrInvalidSpec:
			http.Error(w, derr.Error(), http.StatusBadRequest)
			return
		case dispatchcore.ErrQueueFull:
			http.Error(w, derr.Error(), http.StatusTooManyRequests)
			return
		}
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func idFromPath(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}
