package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandResult_Message(t *testing.T) {
	ok := CommandResult{Command: "ON", Kind: ResultSuccess, Body: "done"}
	assert.True(t, ok.OK())
	assert.NoError(t, ok.Err())
	assert.Equal(t, "'ON' forwarded successfully. Server B replied: done", ok.Message())

	rejected := CommandResult{Command: "ON", Kind: ResultDownstreamError, StatusCode: 500}
	assert.ErrorIs(t, rejected.Err(), ErrDownstreamRejected)
	assert.Equal(t, "Error: Server B responded with status 500.", rejected.Message())

	unreachable := CommandResult{Command: "ON", Kind: ResultTransportError, ErrorKind: "DNSError"}
	assert.ErrorIs(t, unreachable.Err(), ErrDownstreamUnreachable)
	assert.Equal(t, "Failed to connect to Server B. DNSError", unreachable.Message())
	assert.Equal(t, "transport_error", unreachable.Kind.String())
}

func TestEvent_JSONShape(t *testing.T) {
	ev := Event{Type: EventAck, DeviceID: "D1", Result: "r", Success: BoolPtr(false)}.Stamp()
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "ack", m["type"])
	assert.Equal(t, "D1", m["deviceId"])
	assert.Equal(t, false, m["success"])
	assert.NotZero(t, m["timestamp"])
	assert.NotContains(t, m, "status")
	assert.NotContains(t, m, "payload")
}

func TestEnvelope_Decode(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"command","payload":{"action":"ON"}}`), &env))
	assert.Equal(t, "command", env.Type)
	assert.Equal(t, "ON", env.Payload.Action)
}
