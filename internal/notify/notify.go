// Package notify fans device status updates pushed by the downstream system
// out to every live connection bound to the device.
package notify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Tris860/webServer/internal/model"
)

// Broadcaster is the slice of the connection registry the handler needs.
type Broadcaster interface {
	BroadcastForDevice(device string, ev model.Event) int
}

type Handler struct {
	registry Broadcaster
}

func New(registry Broadcaster) *Handler {
	return &Handler{registry: registry}
}

// Handle delivers upd as a device_status event and reports how many
// connections received it. Zero is a valid outcome.
func (h *Handler) Handle(ctx context.Context, upd model.StatusUpdate) int {
	device := strings.TrimSpace(upd.DeviceName)
	if device == "" {
		slog.WarnContext(ctx, "status update without device name", "status", upd.Status)
		return 0
	}
	ev := model.Event{
		Type:     model.EventDeviceStatus,
		DeviceID: device,
		Status:   upd.Status,
		Payload:  upd.Payload,
	}
	n := h.registry.BroadcastForDevice(device, ev)
	slog.InfoContext(ctx, "device status relayed", "device_id", device, "status", upd.Status, "delivered", n)
	return n
}

// Ack is the fixed acknowledgement message returned to the pusher.
func Ack(delivered int) string {
	if delivered == 0 {
		return "Status received, no active listeners"
	}
	return "Status update broadcast"
}
