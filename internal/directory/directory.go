// Package directory resolves a user email to the device bound to it and keeps
// the resolved bindings for the lifetime of the process.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/Tris860/webServer/internal/model"
	"github.com/Tris860/webServer/internal/observability"
)

// Binding is one user to device association.
type Binding struct {
	User     string
	DeviceID string
}

type lookupResponse struct {
	Success    bool   `json:"success"`
	DeviceName string `json:"device_name"`
}

type Directory struct {
	url        string
	action     string
	httpClient *http.Client

	mu       sync.RWMutex
	byUser   map[string]string
	byDevice map[string]map[string]struct{}

	inflight singleflight.Group
}

func New(directoryURL, action string, httpClient *http.Client) *Directory {
	hc := httpClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if strings.TrimSpace(action) == "" {
		action = "get_device"
	}
	return &Directory{
		url:        strings.TrimSpace(directoryURL),
		action:     action,
		httpClient: hc,
		byUser:     map[string]string{},
		byDevice:   map[string]map[string]struct{}{},
	}
}

// Resolve returns the device bound to user. Cache hits never touch the
// network. Misses issue one lookup; concurrent misses for the same user share
// it. Failed lookups are not cached, so the next call tries again.
func (d *Directory) Resolve(ctx context.Context, user string) (string, bool) {
	user = strings.TrimSpace(user)
	if user == "" {
		return "", false
	}
	if dev, ok := d.cached(user); ok {
		observability.DirectoryLookups.WithLabelValues("cache_hit").Inc()
		return dev, true
	}

	v, err, _ := d.inflight.Do(user, func() (any, error) {
		if dev, ok := d.cached(user); ok {
			return dev, nil
		}
		// The lookup outlives a single caller; the client timeout bounds it.
		dev, err := d.lookup(context.WithoutCancel(ctx), user)
		if err != nil {
			return "", err
		}
		return d.store(user, dev), nil
	})
	if err != nil {
		observability.DirectoryLookups.WithLabelValues("unavailable").Inc()
		slog.Warn("device lookup failed", "user", user, "error", err)
		return "", false
	}
	observability.DirectoryLookups.WithLabelValues("resolved").Inc()
	return v.(string), true
}

func (d *Directory) cached(user string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.byUser[user]
	return dev, ok
}

// store records user -> device unless a binding already exists, and returns
// the binding that is in effect.
func (d *Directory) store(user, device string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.byUser[user]; ok {
		return existing
	}
	d.byUser[user] = device
	users, ok := d.byDevice[device]
	if !ok {
		users = map[string]struct{}{}
		d.byDevice[device] = users
	}
	users[user] = struct{}{}
	return device
}

func (d *Directory) lookup(ctx context.Context, user string) (string, error) {
	if d.url == "" {
		return "", fmt.Errorf("%w: directory url not configured", model.ErrDirectoryUnavailable)
	}
	ctx, span := observability.Tracer().Start(ctx, "directory.lookup", oteltrace.WithSpanKind(oteltrace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("relay.user", user))

	form := url.Values{"action": {d.action}, "email": {user}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrDirectoryUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	observability.InjectTrace(ctx, req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", model.ErrDirectoryUnavailable, resp.StatusCode)
	}
	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode: %v", model.ErrDirectoryUnavailable, err)
	}
	dev := strings.TrimSpace(body.DeviceName)
	if !body.Success || dev == "" {
		return "", fmt.Errorf("%w: no device bound", model.ErrDirectoryUnavailable)
	}
	return dev, nil
}

// UsersForDevice lists every user currently bound to device.
func (d *Directory) UsersForDevice(device string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	users := make([]string, 0, len(d.byDevice[device]))
	for u := range d.byDevice[device] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Bindings returns a snapshot of every cached binding.
func (d *Directory) Bindings() []Binding {
	d.mu.RLock()
	out := make([]Binding, 0, len(d.byUser))
	for u, dev := range d.byUser {
		out = append(out, Binding{User: u, DeviceID: dev})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}
