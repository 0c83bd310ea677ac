// Package realtime tracks live WebSocket connections per user and fans events
// out to them.
package realtime

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/Tris860/webServer/internal/model"
	"github.com/Tris860/webServer/internal/observability"
)

// Sender is a connection handle the registry can deliver events to.
type Sender interface {
	ID() string
	Send(ev model.Event) error
}

// DeviceIndex resolves the users bound to a device.
type DeviceIndex interface {
	UsersForDevice(device string) []string
}

type Registry struct {
	devices DeviceIndex

	mu    sync.RWMutex
	conns map[string]map[Sender]struct{}
	owner map[Sender]string
}

func NewRegistry(devices DeviceIndex) *Registry {
	return &Registry{
		devices: devices,
		conns:   map[string]map[Sender]struct{}{},
		owner:   map[Sender]string{},
	}
}

// Register adds conn under user. A handle belongs to one user at a time, so a
// handle registered elsewhere is moved.
func (r *Registry) Register(user string, conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.owner[conn]; ok && prev != user {
		r.removeLocked(prev, conn)
	}
	set, ok := r.conns[user]
	if !ok {
		set = map[Sender]struct{}{}
		r.conns[user] = set
	}
	set[conn] = struct{}{}
	r.owner[conn] = user
	observability.Connections.Set(float64(len(r.owner)))
}

func (r *Registry) Deregister(user string, conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(user, conn)
	observability.Connections.Set(float64(len(r.owner)))
}

func (r *Registry) removeLocked(user string, conn Sender) {
	set, ok := r.conns[user]
	if !ok {
		return
	}
	if _, ok := set[conn]; !ok {
		return
	}
	delete(set, conn)
	delete(r.owner, conn)
	if len(set) == 0 {
		delete(r.conns, user)
	}
}

func (r *Registry) snapshot(user string) []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sender, 0, len(r.conns[user]))
	for c := range r.conns[user] {
		out = append(out, c)
	}
	return out
}

// Broadcast sends ev to every connection registered for user at call time and
// returns how many deliveries were queued. A failing connection never stops
// delivery to the rest.
func (r *Registry) Broadcast(user string, ev model.Event) int {
	ev = ev.Stamp()
	delivered := 0
	for _, c := range r.snapshot(user) {
		if err := c.Send(ev); err != nil {
			observability.EventsSent.WithLabelValues(ev.Type, "failed").Inc()
			slog.Warn("event delivery failed", "user", user, "conn_id", c.ID(), "type", ev.Type, "error", err)
			if errors.Is(err, ErrClientClosed) {
				r.Deregister(user, c)
			}
			continue
		}
		observability.EventsSent.WithLabelValues(ev.Type, "sent").Inc()
		delivered++
	}
	return delivered
}

// BroadcastForDevice delivers ev to every user bound to device.
func (r *Registry) BroadcastForDevice(device string, ev model.Event) int {
	if r.devices == nil {
		return 0
	}
	delivered := 0
	for _, user := range r.devices.UsersForDevice(device) {
		delivered += r.Broadcast(user, ev)
	}
	return delivered
}

// BroadcastAll delivers ev to every live connection.
func (r *Registry) BroadcastAll(ev model.Event) int {
	delivered := 0
	for _, user := range r.Users() {
		delivered += r.Broadcast(user, ev)
	}
	return delivered
}

// Users lists users with at least one live connection.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for u := range r.conns {
		out = append(out, u)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owner)
}
