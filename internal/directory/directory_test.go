package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	hits    atomic.Int32
	devices map[string]string
	status  int
	delay   time.Duration
}

func (f *fakeDirectory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	if r.Method != http.MethodPost || r.FormValue("action") != "get_device" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	dev, ok := f.devices[r.FormValue("email")]
	if !ok {
		_, _ = w.Write([]byte(`{"success":false}`))
		return
	}
	_, _ = w.Write([]byte(`{"success":true,"device_name":"` + dev + `"}`))
}

func newTestDirectory(t *testing.T, f *fakeDirectory) *Directory {
	t.Helper()
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	return New(ts.URL, "get_device", ts.Client())
}

func TestResolve_CachesSuccess(t *testing.T) {
	f := &fakeDirectory{devices: map[string]string{"a@x.com": "D1"}}
	d := newTestDirectory(t, f)
	ctx := context.Background()

	dev, ok := d.Resolve(ctx, "a@x.com")
	require.True(t, ok)
	assert.Equal(t, "D1", dev)
	assert.Equal(t, int32(1), f.hits.Load())

	dev, ok = d.Resolve(ctx, "a@x.com")
	require.True(t, ok)
	assert.Equal(t, "D1", dev)
	assert.Equal(t, int32(1), f.hits.Load(), "second resolve must be served from cache")
}

func TestResolve_AbsenceIsRetried(t *testing.T) {
	f := &fakeDirectory{devices: map[string]string{}}
	d := newTestDirectory(t, f)
	ctx := context.Background()

	_, ok := d.Resolve(ctx, "nobody@x.com")
	assert.False(t, ok)
	_, ok = d.Resolve(ctx, "nobody@x.com")
	assert.False(t, ok)
	assert.Equal(t, int32(2), f.hits.Load())
	assert.Empty(t, d.Bindings())
}

func TestResolve_FailuresReturnAbsent(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"non-200": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
		"missing field": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":true}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			ts := httptest.NewServer(h)
			defer ts.Close()
			d := New(ts.URL, "", ts.Client())
			_, ok := d.Resolve(context.Background(), "a@x.com")
			assert.False(t, ok)
			assert.Empty(t, d.Bindings())
		})
	}
}

func TestResolve_UnconfiguredAndEmptyUser(t *testing.T) {
	d := New("", "", nil)
	_, ok := d.Resolve(context.Background(), "a@x.com")
	assert.False(t, ok)
	_, ok = d.Resolve(context.Background(), "  ")
	assert.False(t, ok)
}

func TestResolve_ConcurrentMissesShareOneLookup(t *testing.T) {
	f := &fakeDirectory{devices: map[string]string{"a@x.com": "D1"}, delay: 50 * time.Millisecond}
	d := newTestDirectory(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dev, ok := d.Resolve(context.Background(), "a@x.com")
			assert.True(t, ok)
			assert.Equal(t, "D1", dev)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestUsersForDeviceAndBindings(t *testing.T) {
	f := &fakeDirectory{devices: map[string]string{"a@x.com": "D1", "b@x.com": "D1", "c@x.com": "D2"}}
	d := newTestDirectory(t, f)
	for _, u := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		_, ok := d.Resolve(context.Background(), u)
		require.True(t, ok)
	}

	assert.Equal(t, []string{"a@x.com", "b@x.com"}, d.UsersForDevice("D1"))
	assert.Equal(t, []string{"c@x.com"}, d.UsersForDevice("D2"))
	assert.Empty(t, d.UsersForDevice("D9"))
	assert.Equal(t, []Binding{
		{User: "a@x.com", DeviceID: "D1"},
		{User: "b@x.com", DeviceID: "D1"},
		{User: "c@x.com", DeviceID: "D2"},
	}, d.Bindings())
}
