// Package statusbridge feeds device status messages from MQTT into the same
// fan-out path as the HTTP status callback.
package statusbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/Tris860/webServer/internal/model"
	"github.com/Tris860/webServer/internal/mqtt"
)

const DefaultTopic = "relay/device/status/+"

type StatusHandler interface {
	Handle(ctx context.Context, upd model.StatusUpdate) int
}

type Bridge struct {
	cli     mqtt.ClientAPI
	topic   string
	handler StatusHandler
}

func New(cli mqtt.ClientAPI, topic string, handler StatusHandler) *Bridge {
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}
	return &Bridge{cli: cli, topic: topic, handler: handler}
}

// Start subscribes and unsubscribes again once ctx is done.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.cli.Subscribe(b.topic, func(topic string, payload []byte) {
		b.handleMessage(ctx, topic, payload)
	}); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		if err := b.cli.Unsubscribe(b.topic); err != nil {
			slog.Debug("mqtt unsubscribe failed", "topic", b.topic, "error", err)
		}
	}()
	return nil
}

func (b *Bridge) handleMessage(ctx context.Context, topic string, payload []byte) {
	if len(payload) == 0 {
		return
	}
	var upd model.StatusUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		slog.Warn("dropping undecodable status message", "topic", topic, "error", err)
		return
	}
	if strings.TrimSpace(upd.DeviceName) == "" {
		upd.DeviceName = deviceFromTopic(topic)
	}
	if upd.DeviceName == "" {
		slog.Warn("status message without device", "topic", topic)
		return
	}
	b.handler.Handle(ctx, upd)
}

func deviceFromTopic(topic string) string {
	i := strings.LastIndex(topic, "/")
	return strings.TrimSpace(topic[i+1:])
}
