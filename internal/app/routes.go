package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-playground/validator/v10"

	"github.com/MrWong99/micgraph/internal/session"
	"github.com/MrWong99/micgraph/pkg/audio"
)

// writeTimeout bounds a single WebSocket write to a slow client.
const writeTimeout = 5 * time.Second

var validate = validator.New(validator.WithRequiredStructEnabled())

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/session", a.handleStatus)
	mux.HandleFunc("POST /api/session/toggle", a.handleToggle)
	mux.HandleFunc("POST /api/session/gain", a.handleGain)
	mux.HandleFunc("GET /ws", a.handleEvents)
	mux.HandleFunc("GET /ws/opus", a.handleOpus)
	mux.Handle("GET /metrics", a.metricsHandler)
	a.health.Register(mux)
	return mux
}

// API response helpers

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, audio.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleStatus returns the controller status.
func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.controller.Status())
}

// toggleResponse is the body of POST /api/session/toggle.
type toggleResponse struct {
	State  session.State  `json:"state"`
	Error  string         `json:"error,omitempty"`
	Status session.Status `json:"status"`
}

// handleToggle starts or stops the session, like a record button. The request
// stays open while a permission prompt is pending; a client that disconnects
// cancels the start.
func (a *App) handleToggle(w http.ResponseWriter, r *http.Request) {
	state, err := a.controller.Toggle(r.Context())
	resp := toggleResponse{State: state, Status: a.controller.Status()}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// gainRequest is the body of POST /api/session/gain.
type gainRequest struct {
	Gain *float64 `json:"gain" validate:"required,gte=0,lte=16"`
}

// handleGain sets the gain of a running gain worklet.
func (a *App) handleGain(w http.ResponseWriter, r *http.Request) {
	var req gainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "gain must be between 0 and 16")
		return
	}
	if !a.controller.PostGain(*req.Gain) {
		writeError(w, http.StatusConflict, "no running gain worklet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"gain": *req.Gain})
}

// handleEvents streams session events as JSON text frames. The first frame
// is the current state.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := a.controller.Subscribe(a.config().Session.EventBuffer)
	defer cancel()

	// Clients only listen; reading detects their close.
	ctx := conn.CloseRead(r.Context())

	st := a.controller.Status()
	if err := writeEvent(ctx, conn, session.Event{
		Type: session.EventState, Time: time.Now(), Session: st.Session, State: &st.State,
	}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				a.log.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e session.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}

// handleOpus streams the Opus packets of the running session as binary
// frames, one packet per frame. It requires destination.kind "opus".
func (a *App) handleOpus(w http.ResponseWriter, r *http.Request) {
	snk := a.opus.Load()
	if snk == nil || a.controller.State() != session.Running {
		writeError(w, http.StatusConflict, "no running session with an opus destination")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	packets, cancel := snk.Subscribe(a.config().Session.EventBuffer)
	defer cancel()
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-packets:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session stopped")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, p.Data)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}
