// Package server exposes the session coordinator over HTTP and streams its
// notifications to WebSocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/travesseiro/pillowlink/internal/protocol"
	"github.com/travesseiro/pillowlink/internal/session"
	"github.com/travesseiro/pillowlink/internal/transport"
)

const (
	writeWait       = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 4096
)

// Session is the part of *session.Coordinator the server drives.
type Session interface {
	State() session.State
	CurrentStatus() session.PillowStatus
	Settings() session.UserSettings
	Subscribe() (<-chan session.Notification, func())
	RequestScan(ctx context.Context) error
	CancelScan()
	RejectConnect() error
	ConfirmConnect(ctx context.Context, d transport.DeviceHandle) error
	Disconnect() error
	Reset() error
	SendCommand(cmd protocol.Command) error
	UpdateSettings(s session.UserSettings) error
}

// Compile-time check that Coordinator implements Session.
var _ Session = (*session.Coordinator)(nil)

// Options configures a Server.
type Options struct {
	ListenAddr string
	// SaveSettings persists settings accepted by POST /api/settings. A
	// failure is logged; the new settings stay active.
	SaveSettings func(session.UserSettings) error
}

// Server serves the REST API and the notification WebSocket.
type Server struct {
	sess     Session
	opts     Options
	upgrader websocket.Upgrader
	clients  atomic.Int32
}

// Snapshot is the body of GET /api/status.
type Snapshot struct {
	State    session.State        `json:"state"`
	Status   session.PillowStatus `json:"status"`
	Settings session.UserSettings `json:"settings"`
}

type connectRequest struct {
	ID string `json:"id"` // empty confirms the device awaiting confirmation
}

type commandRequest struct {
	Command string `json:"command"` // wire form, e.g. "SENS:40"
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a Server for sess.
func New(sess Session, opts Options) *Server {
	return &Server{
		sess: sess,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handlePostSettings)
	mux.HandleFunc("POST /api/scan", s.handleScan)
	mux.HandleFunc("POST /api/scan/cancel", s.handleCancelScan)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/reject", s.handleReject)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("POST /api/command", s.handleCommand)

	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.opts.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("[server] shutdown", "error", err)
		}
	}()

	slog.Info("[server] listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[ws] upgrade error", "error", err)
		return
	}

	notes, unsubscribe := s.sess.Subscribe()
	st := s.sess.State()
	status := s.sess.CurrentStatus()
	settings := s.sess.Settings()
	initial := []session.Notification{
		{Type: session.NotifyState, State: &st},
		{Type: session.NotifyStatus, Status: &status},
		{Type: session.NotifySettings, Settings: &settings},
	}

	slog.Info("[ws] client connected", "clients", s.clients.Add(1))

	// Reader goroutine (keep-alive, detects the client going away)
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Writer goroutine
	go func() {
		defer func() {
			unsubscribe()
			conn.Close()
			slog.Info("[ws] client disconnected", "clients", s.clients.Add(-1))
		}()

		for _, n := range initial {
			if err := writeNotification(conn, n); err != nil {
				return
			}
		}
		for {
			select {
			case n, ok := <-notes:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
						time.Now().Add(writeWait))
					return
				}
				if err := writeNotification(conn, n); err != nil {
					return
				}
			case <-gone:
				return
			}
		}
	}()
}

func writeNotification(conn *websocket.Conn, n session.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		slog.Warn("[ws] encode notification", "type", n.Type, "error", err)
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) snapshot() Snapshot {
	return Snapshot{
		State:    s.sess.State(),
		Status:   s.sess.CurrentStatus(),
		Settings: s.sess.Settings(),
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Settings())
}

func (s *Server) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.sess.Settings()
	if err := readJSON(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := settings.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := s.sess.UpdateSettings(settings)

	if s.opts.SaveSettings != nil {
		if serr := s.opts.SaveSettings(settings); serr != nil {
			slog.Error("[server] save settings failed", "error", serr)
		}
	}

	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.RequestScan(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.snapshot())
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	s.sess.CancelScan()
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	st := s.sess.State()
	if st.Device == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("%w: no device awaiting confirmation", session.ErrInvalidTransition))
		return
	}
	d := *st.Device
	if req.ID != "" && req.ID != d.ID {
		d = transport.DeviceHandle{ID: req.ID, Kind: d.Kind}
	}

	// A dropped HTTP client must not abort a connect half way.
	if err := s.sess.ConfirmConnect(context.WithoutCancel(r.Context()), d); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.RejectConnect(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Disconnect(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Reset(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd, err := protocol.ParseCommand(req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sess.SendCommand(cmd); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

// statusFor maps session and transport errors to HTTP status codes.
func statusFor(err error) int {
	var ce *transport.ConnectError
	var se *transport.SendError
	switch {
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrConnectAborted):
		return http.StatusConflict
	case errors.Is(err, session.ErrDiscoveryFailed):
		return http.StatusServiceUnavailable
	case errors.As(err, &ce):
		if ce.Reason == transport.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.As(err, &se):
		return http.StatusBadGateway
	case errors.Is(err, protocol.ErrInvalidCommand):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// readJSON decodes an optional JSON body into v. An empty body leaves v
// unchanged.
func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("server: read body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("server: decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[server] write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
