package eventstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/kasa/internal/device"
	"github.com/muurk/kasa/internal/discovery"
)

// fakeSource publishes events through a real Emitter.
type fakeSource struct {
	emitter *discovery.Emitter

	mu      sync.Mutex
	devices []discovery.Record
}

func newFakeSource(devices ...discovery.Record) *fakeSource {
	return &fakeSource{emitter: discovery.NewEmitter(), devices: devices}
}

func (f *fakeSource) On(name string, h discovery.Handler) func() { return f.emitter.On(name, h) }

func (f *fakeSource) Devices() []discovery.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]discovery.Record(nil), f.devices...)
}

func plugRecord(id string) discovery.Record {
	return discovery.Record{
		ID:       id,
		Host:     "192.168.1.20",
		Port:     device.DefaultPort,
		Category: device.CategoryPlug,
		Status:   discovery.StatusOnline,
		Sysinfo:  device.Sysinfo{"deviceId": id, "alias": "Kettle"},
	}
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestEvents_SnapshotThenLive(t *testing.T) {
	src := newFakeSource(plugRecord("PLUG1"))
	s := New(Config{}, src)
	s.hub.Attach(src)
	defer s.hub.Detach()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts)

	snap := read(t, conn)
	assert.Equal(t, TypeSnapshot, snap.Type)
	require.NotNil(t, snap.Device)
	assert.Equal(t, "PLUG1", snap.Device.ID)
	assert.Equal(t, device.CategoryPlug, snap.Device.Category)

	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	rec := plugRecord("PLUG2")
	rec.Status = discovery.StatusOffline
	src.emitter.Publish(discovery.Event{Kind: discovery.EventOffline, Category: device.CategoryPlug, Record: rec, RunID: "run-1", Time: time.Now()})

	live := read(t, conn)
	assert.Equal(t, TypeEvent, live.Type)
	assert.Equal(t, discovery.EventPlugOffline, live.Event)
	assert.Equal(t, "run-1", live.RunID)
	require.NotNil(t, live.Device)
	assert.Equal(t, discovery.StatusOffline, live.Device.Status)
}

func TestEvents_GenericAndErrors(t *testing.T) {
	src := newFakeSource()
	s := New(Config{}, src)
	s.hub.Attach(src)
	defer s.hub.Detach()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts)
	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	ext := discovery.Record{ID: "EXT1", Category: device.CategoryGeneric}
	src.emitter.Publish(discovery.Event{Kind: discovery.EventNew, Category: device.CategoryGeneric, Record: ext})
	src.emitter.Publish(discovery.Event{Kind: discovery.EventError, Err: errors.New("socket closed")})

	msg := read(t, conn)
	assert.Equal(t, discovery.EventDeviceNew, msg.Event)
	assert.Equal(t, "EXT1", msg.Device.ID)

	msg = read(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "socket closed", msg.Error)
	assert.Nil(t, msg.Device)
}

func TestEvents_OriginCheck(t *testing.T) {
	s := New(Config{AllowedOrigins: []string{"http://dash.local"}}, newFakeSource())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://dash.local"}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestHub_DropsForSlowClients(t *testing.T) {
	h := NewHub(1)
	ch := h.Subscribe()

	h.Broadcast(Message{Type: TypeEvent, Event: "a"})
	h.Broadcast(Message{Type: TypeEvent, Event: "b"})

	assert.Equal(t, uint64(1), h.Dropped())
	assert.Equal(t, "a", (<-ch).Event)

	h.Unsubscribe(ch)
	h.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Clients())
}

func TestServer_StartAndShutdown(t *testing.T) {
	src := newFakeSource()
	s := New(Config{Host: "127.0.0.1", Port: 0}, src)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	url := "ws://" + s.Addr().String() + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	src.emitter.Publish(discovery.Event{Kind: discovery.EventNew, Category: device.CategoryBulb, Record: discovery.Record{ID: "B1", Category: device.CategoryBulb}})
	msg := read(t, conn)
	assert.Equal(t, discovery.EventBulbNew, msg.Event)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
