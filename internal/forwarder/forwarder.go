// Package forwarder relays commands to the downstream command endpoint
// (Server B) and normalizes every outcome into a model.CommandResult.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/Tris860/webServer/internal/model"
	"github.com/Tris860/webServer/internal/observability"
)

const (
	Source         = "ServerA"
	DefaultTimeout = 10 * time.Second

	// MaxBodyBytes caps the Server B reply relayed back to clients.
	MaxBodyBytes = 64 * 1024
)

// Transport error categories reported in CommandResult.ErrorKind.
const (
	KindTimeout           = "Timeout"
	KindDNS               = "DNSError"
	KindConnectionRefused = "ConnectionRefused"
	KindConnection        = "ConnectionError"
	KindRequest           = "RequestError"
)

type commandRequest struct {
	Command  string `json:"command"`
	Source   string `json:"source"`
	DeviceID string `json:"deviceId,omitempty"`
}

type Forwarder struct {
	url        string
	httpClient *http.Client
}

// New normalizes serverBURL so it always targets the /command path.
func New(serverBURL string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return NewWithClient(serverBURL, &http.Client{Timeout: timeout})
}

func NewWithClient(serverBURL string, httpClient *http.Client) *Forwarder {
	u := strings.TrimRight(strings.TrimSpace(serverBURL), "/")
	if !strings.HasSuffix(u, "/command") {
		u += "/command"
	}
	return &Forwarder{url: u, httpClient: httpClient}
}

func (f *Forwarder) URL() string { return f.url }

// Forward sends command, optionally addressed to deviceID. It never returns an
// error: every failure is folded into the result.
func (f *Forwarder) Forward(ctx context.Context, command, deviceID string) (res model.CommandResult) {
	res = model.CommandResult{Command: command}
	ctx, span := observability.Tracer().Start(ctx, "forwarder.command", oteltrace.WithSpanKind(oteltrace.SpanKindClient))
	span.SetAttributes(attribute.String("relay.command", command), attribute.String("relay.device_id", deviceID))
	defer func() {
		span.SetAttributes(attribute.String("relay.outcome", res.Kind.String()))
		span.End()
		observability.Commands.WithLabelValues(res.Kind.String()).Inc()
	}()

	body, err := json.Marshal(commandRequest{Command: command, Source: Source, DeviceID: deviceID})
	if err != nil {
		res.Kind, res.ErrorKind = model.ResultTransportError, KindRequest
		return res
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		res.Kind, res.ErrorKind = model.ResultTransportError, KindRequest
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	observability.InjectTrace(ctx, req)

	slog.Info("forwarding command", "command", command, "device_id", deviceID, "url", f.url)
	resp, err := f.httpClient.Do(req)
	if err != nil {
		res.Kind, res.ErrorKind = model.ResultTransportError, classify(err)
		slog.Warn("server b unreachable", "command", command, "kind", res.ErrorKind, "error", err)
		return res
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if resp.StatusCode != http.StatusOK {
		res.Kind, res.StatusCode = model.ResultDownstreamError, resp.StatusCode
		slog.Warn("server b returned error status", "command", command, "status", resp.StatusCode)
		return res
	}
	if err != nil {
		res.Kind, res.ErrorKind = model.ResultTransportError, classify(err)
		return res
	}
	if len(raw) > MaxBodyBytes {
		slog.Warn("server b reply truncated", "command", command, "limit_bytes", MaxBodyBytes)
		raw = raw[:MaxBodyBytes]
		res.Truncated = true
	}
	res.Kind, res.Body = model.ResultSuccess, string(raw)
	slog.Info("server b acknowledged command", "command", command, "device_id", deviceID)
	return res
}

func classify(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &dnsErr):
		return KindDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.As(err, &netErr):
		return KindConnection
	default:
		return KindRequest
	}
}
