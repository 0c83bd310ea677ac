// Package gateway runs the per-connection control loop: bind the user to a
// device on connect, then relay commands to Server B and ack the sender.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Tris860/webServer/internal/model"
	"github.com/Tris860/webServer/internal/realtime"
)

const (
	EnvelopeCommand    = "command"
	StatusCheckCommand = "STATUS_CHECK"

	msgNoDevice      = "No device bound to this account"
	msgInvalidFormat = "Invalid message format"
	msgEmptyCommand  = "Empty command received"
)

type State int

const (
	StateConnecting State = iota
	StateBound
	StateUnbound
	StateAwaitingCommands
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateBound:
		return "BOUND"
	case StateUnbound:
		return "UNBOUND"
	case StateAwaitingCommands:
		return "AWAITING_COMMANDS"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type Resolver interface {
	Resolve(ctx context.Context, user string) (string, bool)
}

type Forwarder interface {
	Forward(ctx context.Context, command, deviceID string) model.CommandResult
}

type Registry interface {
	Register(user string, conn realtime.Sender)
	Deregister(user string, conn realtime.Sender)
}

type Handler struct {
	resolver  Resolver
	forwarder Forwarder
	registry  Registry
	upgrader  websocket.Upgrader
}

// New builds the WebSocket handler. An empty allowedOrigins list, or one
// containing "*", accepts any Origin.
func New(resolver Resolver, fwd Forwarder, registry Registry, allowedOrigins []string) *Handler {
	return &Handler{
		resolver:  resolver,
		forwarder: fwd,
		registry:  registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := map[string]struct{}{}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.TrimRight(o, "/")] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// UserFromRequest reads the user email from the {email} route parameter or
// the email query parameter.
func UserFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(chi.URLParam(r, "email")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("email"))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := UserFromRequest(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "user", user, "error", err)
		return
	}

	// The session outlives the HTTP request once hijacked.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	client := realtime.NewClient(conn, user)
	s := &session{h: h, user: user, client: client, state: StateConnecting}
	go client.WritePump()

	h.registry.Register(user, client)
	slog.Info("client connected", "user", user, "conn_id", client.ID())

	s.bind(ctx)
	err = client.ReadLoop(func(data []byte) { s.handle(ctx, data) })

	// Close first so a broadcast holding an older snapshot gets
	// ErrClientClosed instead of queueing onto a finished session.
	client.Close()
	h.registry.Deregister(user, client)
	s.transition(StateClosed)
	slog.Info("client disconnected", "user", user, "conn_id", client.ID(), "reason", err)
}

type session struct {
	h      *Handler
	user   string
	device string
	client *realtime.Client
	state  State
}

func (s *session) transition(next State) {
	slog.Debug("session state", "user", s.user, "conn_id", s.client.ID(), "from", s.state.String(), "to", next.String())
	s.state = next
}

// bind resolves the user's device and reports its status. An unbound session
// stays open but cannot issue commands.
func (s *session) bind(ctx context.Context) {
	device, ok := s.h.resolver.Resolve(ctx, s.user)
	if !ok {
		s.transition(StateUnbound)
		s.reply(model.ErrorEvent(msgNoDevice))
		s.transition(StateAwaitingCommands)
		return
	}
	s.device = device
	s.transition(StateBound)
	s.reply(model.Event{Type: model.EventDeviceBinding, DeviceID: device})

	res := s.h.forwarder.Forward(ctx, StatusCheckCommand, device)
	status := model.StatusDisconnected
	if res.OK() {
		status = model.StatusConnected
	}
	s.reply(model.Event{Type: model.EventDeviceStatus, DeviceID: device, Status: status, Message: res.Message()})
	s.transition(StateAwaitingCommands)
}

func (s *session) handle(ctx context.Context, data []byte) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Debug("undecodable client message", "user", s.user, "error", err)
		s.reply(model.ErrorEvent(msgInvalidFormat))
		return
	}
	if env.Type != EnvelopeCommand {
		slog.Debug("ignoring client message", "user", s.user, "type", env.Type)
		return
	}
	action := strings.TrimSpace(env.Payload.Action)
	if action == "" {
		s.reply(model.ErrorEvent(msgEmptyCommand))
		return
	}
	if s.device == "" {
		s.reply(model.ErrorEvent(msgNoDevice))
		return
	}

	slog.Info("command received", "user", s.user, "device_id", s.device, "command", action)
	res := s.h.forwarder.Forward(ctx, action, s.device)
	s.reply(model.Event{
		Type:     model.EventAck,
		DeviceID: s.device,
		Result:   res.Message(),
		Success:  model.BoolPtr(res.OK()),
	})
}

// reply goes to this connection only.
func (s *session) reply(ev model.Event) {
	if err := s.client.Send(ev); err != nil {
		slog.Warn("reply dropped", "user", s.user, "conn_id", s.client.ID(), "type", ev.Type, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "code": status})
}
