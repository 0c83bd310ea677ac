package realtime

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Tris860/webServer/internal/model"
)

type fakeConn struct {
	id  string
	err error

	mu     sync.Mutex
	events []model.Event
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(ev model.Event) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeConn) received() []model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Event(nil), f.events...)
}

type staticIndex map[string][]string

func (s staticIndex) UsersForDevice(device string) []string { return s[device] }

func TestBroadcast_IsolatedPerUser(t *testing.T) {
	r := NewRegistry(nil)
	a1, a2, b := &fakeConn{id: "a1"}, &fakeConn{id: "a2"}, &fakeConn{id: "b"}
	r.Register("a@x.com", a1)
	r.Register("a@x.com", a2)
	r.Register("b@x.com", b)

	n := r.Broadcast("a@x.com", model.Event{Type: model.EventDeviceStatus, DeviceID: "D1"})

	assert.Equal(t, 2, n)
	assert.Len(t, a1.received(), 1)
	assert.Len(t, a2.received(), 1)
	assert.Empty(t, b.received())
	assert.NotZero(t, a1.received()[0].Timestamp)
	assert.Equal(t, 0, r.Broadcast("nobody@x.com", model.Event{Type: model.EventError}))
}

func TestBroadcast_FailingConnDoesNotStopOthers(t *testing.T) {
	r := NewRegistry(nil)
	bad := &fakeConn{id: "bad", err: ErrSlowConsumer}
	good := &fakeConn{id: "good"}
	r.Register("a@x.com", bad)
	r.Register("a@x.com", good)

	n := r.Broadcast("a@x.com", model.Event{Type: model.EventDeviceStatus})

	assert.Equal(t, 1, n)
	assert.Len(t, good.received(), 1)
	assert.Equal(t, 2, r.Count(), "slow consumers stay registered")
}

func TestBroadcast_ClosedConnIsDropped(t *testing.T) {
	r := NewRegistry(nil)
	gone := &fakeConn{id: "gone", err: ErrClientClosed}
	r.Register("a@x.com", gone)

	assert.Equal(t, 0, r.Broadcast("a@x.com", model.Event{Type: model.EventDeviceStatus}))
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Users())
}

func TestRegister_MovesHandleBetweenUsers(t *testing.T) {
	r := NewRegistry(nil)
	c := &fakeConn{id: "c"}
	r.Register("a@x.com", c)
	r.Register("b@x.com", c)

	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []string{"b@x.com"}, r.Users())
	assert.Equal(t, 0, r.Broadcast("a@x.com", model.Event{Type: model.EventAck}))
	assert.Equal(t, 1, r.Broadcast("b@x.com", model.Event{Type: model.EventAck}))
}

func TestDeregister(t *testing.T) {
	r := NewRegistry(nil)
	c1, c2 := &fakeConn{id: "1"}, &fakeConn{id: "2"}
	r.Register("a@x.com", c1)
	r.Register("a@x.com", c2)

	r.Deregister("a@x.com", c1)
	r.Deregister("a@x.com", c1)
	r.Deregister("other@x.com", c2)

	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 1, r.Broadcast("a@x.com", model.Event{Type: model.EventAck}))
	assert.Empty(t, c1.received())

	r.Deregister("a@x.com", c2)
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Users())
}

func TestBroadcastForDeviceAndAll(t *testing.T) {
	idx := staticIndex{"D1": {"a@x.com", "b@x.com"}}
	r := NewRegistry(idx)
	a, b, c := &fakeConn{id: "a"}, &fakeConn{id: "b"}, &fakeConn{id: "c"}
	r.Register("a@x.com", a)
	r.Register("b@x.com", b)
	r.Register("c@x.com", c)

	assert.Equal(t, 2, r.BroadcastForDevice("D1", model.Event{Type: model.EventDeviceStatus}))
	assert.Equal(t, 0, r.BroadcastForDevice("D9", model.Event{Type: model.EventDeviceStatus}))
	assert.Empty(t, c.received())

	assert.Equal(t, 3, r.BroadcastAll(model.Event{Type: model.EventTimeMatched}))
	assert.Len(t, a.received(), 2)
	assert.Len(t, c.received(), 1)

	users := r.Users()
	sort.Strings(users)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, users)
}

// evictingConn removes a sibling client from the registry the first time it
// is sent to, simulating a disconnect racing a broadcast.
type evictingConn struct {
	fakeConn
	r       *Registry
	user    string
	sibling *Client

	queuedBefore int
}

func (e *evictingConn) Send(ev model.Event) error {
	e.queuedBefore = len(e.sibling.send)
	e.sibling.Close()
	e.r.Deregister(e.user, e.sibling)
	return e.fakeConn.Send(ev)
}

func TestBroadcast_RemovalMidBroadcast(t *testing.T) {
	for i := 0; i < 20; i++ {
		r := NewRegistry(nil)
		sibling := NewClient(nil, "a@x.com")
		trigger := &evictingConn{fakeConn: fakeConn{id: "trigger"}, r: r, user: "a@x.com", sibling: sibling}
		r.Register("a@x.com", sibling)
		r.Register("a@x.com", trigger)

		n := r.Broadcast("a@x.com", model.Event{Type: model.EventDeviceStatus})

		// The sibling only holds the event if it was reached before removal.
		assert.Equal(t, 1+trigger.queuedBefore, n)
		assert.Equal(t, trigger.queuedBefore, len(sibling.send))
		assert.Len(t, trigger.received(), 1)
		assert.Equal(t, 1, r.Count())
		assert.ErrorIs(t, sibling.Send(model.Event{Type: model.EventAck}), ErrClientClosed)
	}
}

func TestConcurrentRegisterAndBroadcast(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		c := &fakeConn{id: string(rune('A' + i%26))}
		go func() {
			defer wg.Done()
			r.Register("a@x.com", c)
			r.Deregister("a@x.com", c)
		}()
		go func() {
			defer wg.Done()
			r.Broadcast("a@x.com", model.Event{Type: model.EventAck})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.Broadcast("a@x.com", model.Event{Type: model.EventAck}))
}
