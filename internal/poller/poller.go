// Package poller periodically asks the scheduling backend whether the
// automatic trigger window is open and, when it is, switches every bound
// device on.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Tris860/webServer/internal/directory"
	"github.com/Tris860/webServer/internal/model"
	"github.com/Tris860/webServer/internal/observability"
)

const (
	AutoOnCommand   = "AUTO_ON"
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 10 * time.Second

	maxConcurrentForwards = 8
)

var errNotConfigured = errors.New("scheduler url not configured")

type Forwarder interface {
	Forward(ctx context.Context, command, deviceID string) model.CommandResult
}

type Broadcaster interface {
	Broadcast(user string, ev model.Event) int
	BroadcastAll(ev model.Event) int
}

type BindingSource interface {
	Bindings() []directory.Binding
}

type Options struct {
	SchedulerURL string
	Interval     time.Duration
	Timeout      time.Duration
	HTTPClient   *http.Client
}

type Poller struct {
	url        string
	interval   time.Duration
	timeout    time.Duration
	httpClient *http.Client

	bindings  BindingSource
	forwarder Forwarder
	registry  Broadcaster

	cron *cron.Cron
}

func New(opts Options, bindings BindingSource, fwd Forwarder, registry Broadcaster) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	logger := cronLogger{}
	return &Poller{
		url:        strings.TrimSpace(opts.SchedulerURL),
		interval:   opts.Interval,
		timeout:    opts.Timeout,
		httpClient: hc,
		bindings:   bindings,
		forwarder:  fwd,
		registry:   registry,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start schedules Tick every interval until Stop is called or ctx ends. The
// first poll happens one interval after Start.
func (p *Poller) Start(ctx context.Context) error {
	spec := "@every " + p.interval.String()
	if _, err := p.cron.AddFunc(spec, func() { p.Tick(ctx) }); err != nil {
		return fmt.Errorf("schedule poller %q: %w", spec, err)
	}
	p.cron.Start()
	slog.Info("scheduler poller started", "url", p.url, "interval", p.interval)
	go func() {
		<-ctx.Done()
		p.cron.Stop()
	}()
	return nil
}

// Stop halts scheduling. The returned context is done once a running tick
// has finished.
func (p *Poller) Stop() context.Context {
	return p.cron.Stop()
}

// schedulerResponse accepts id as either a JSON string or number.
type schedulerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      flexID `json:"id"`
}

type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// Tick runs one poll and, on a match, the automatic trigger fan-out.
func (p *Poller) Tick(ctx context.Context) model.PollOutcome {
	out := p.poll(ctx)
	observability.PollTicks.WithLabelValues(out.Kind.String()).Inc()

	switch out.Kind {
	case model.PollBackendUnavailable:
		slog.Warn("scheduler poll failed", "error", out.Reason)
	case model.PollNotMatched:
		slog.Debug("scheduler condition not met", "message", out.Message)
	case model.PollMatched:
		slog.Info("scheduler condition met", "message", out.Message, "id", out.ID)
		p.trigger(ctx, out)
	}
	return out
}

func (p *Poller) poll(ctx context.Context) model.PollOutcome {
	unavailable := func(err error) model.PollOutcome {
		return model.PollOutcome{Kind: model.PollBackendUnavailable, Reason: fmt.Errorf("%w: %w", model.ErrBackendPollFailure, err)}
	}
	if p.url == "" {
		return unavailable(errNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx, span := observability.Tracer().Start(ctx, "poller.check", oteltrace.WithSpanKind(oteltrace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return unavailable(err)
	}
	req.Header.Set("Accept", "application/json")
	observability.InjectTrace(ctx, req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return unavailable(err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		return unavailable(errors.New("status " + strconv.Itoa(resp.StatusCode)))
	}

	var body schedulerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return unavailable(fmt.Errorf("decode response: %w", err))
	}
	if !body.Success {
		return model.PollOutcome{Kind: model.PollNotMatched, Message: body.Message}
	}
	return model.PollOutcome{Kind: model.PollMatched, Message: body.Message, ID: string(body.ID)}
}

func (p *Poller) trigger(ctx context.Context, out model.PollOutcome) {
	p.registry.BroadcastAll(model.Event{Type: model.EventTimeMatched, Message: out.Message, ID: out.ID})

	bindings := p.bindings.Bindings()
	if len(bindings) == 0 {
		slog.Info("no bound devices to trigger")
		return
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentForwards)
	for _, b := range bindings {
		g.Go(func() error {
			res := p.forwarder.Forward(ctx, AutoOnCommand, b.DeviceID)
			if err := res.Err(); err != nil {
				slog.Warn("auto on forward failed", "user", b.User, "device_id", b.DeviceID, "error", err)
			}
			p.registry.Broadcast(b.User, model.Event{
				Type:     model.EventAutoOnTrigger,
				DeviceID: b.DeviceID,
				Message:  out.Message,
				ID:       out.ID,
				Result:   res.Message(),
				Success:  model.BoolPtr(res.OK()),
			})
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("auto on trigger complete", "devices", len(bindings))
}

// cronLogger routes robfig/cron diagnostics to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
