package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/kasa/internal/codec"
	"github.com/muurk/kasa/internal/device"
	"github.com/muurk/kasa/internal/transport"
)

var (
	plugInfo = device.Sysinfo{"deviceId": "PLUG1", "alias": "Kettle", "type": "IOT.SMARTPLUGSWITCH"}
	bulbInfo = device.Sysinfo{"deviceId": "BULB1", "alias": "Hall", "mic_type": "IOT.SMARTBULB"}
	hubInfo  = device.Sysinfo{"deviceId": "EXT1", "alias": "Extender", "type": "IOT.RANGEEXTENDER"}
)

func encodeResponse(t *testing.T, info device.Sysinfo) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"system": map[string]any{"get_sysinfo": info}})
	require.NoError(t, err)
	return codec.Encrypt(data)
}

// recorder captures every event name it is subscribed to.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	name string
	ev   Event
}

func newRecorder(e *Engine) *recorder {
	rec := &recorder{}
	names := []string{
		EventDeviceNew, EventDeviceOnline, EventDeviceOffline,
		EventPlugNew, EventPlugOnline, EventPlugOffline,
		EventBulbNew, EventBulbOnline, EventBulbOffline,
		EventErrorName,
	}
	for _, name := range names {
		name := name
		e.On(name, func(ev Event) {
			rec.mu.Lock()
			rec.events = append(rec.events, recorded{name: name, ev: ev})
			rec.mu.Unlock()
		})
	}
	return rec
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.name
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// sink is a UDP socket that swallows discovery requests.
func sink(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			if _, _, err := conn.ReadFrom(buf); err != nil {
				return
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// manualRun binds a run without starting its goroutines so tests can drive
// ticks and datagrams directly.
func manualRun(t *testing.T, e *Engine, opts Options) *run {
	t.Helper()
	opts.BroadcastAddress = "127.0.0.1"
	opts.DevicePort = sink(t)
	opts, err := opts.normalize()
	require.NoError(t, err)
	dests, err := opts.destinations()
	require.NoError(t, err)

	r, err := e.bind(context.Background(), opts, dests)
	require.NoError(t, err)
	r.state.Store(int32(StateActive))
	e.mu.Lock()
	e.run = r
	e.mu.Unlock()
	t.Cleanup(func() { r.stop() })
	return r
}

func from(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: port}
}

func TestOfflineAfterToleranceTicks(t *testing.T) {
	e := NewEngine(transport.NewClient())
	rec := newRecorder(e)
	r := manualRun(t, e, Options{OfflineTolerance: 3})

	e.tick(r)
	e.handleDatagram(r, datagram{data: encodeResponse(t, plugInfo), addr: from(9999)})
	require.Equal(t, 1, rec.count(EventDeviceNew))

	e.tick(r)
	e.tick(r)
	assert.Equal(t, 0, rec.count(EventDeviceOffline), "still within tolerance")

	e.tick(r)
	assert.Equal(t, 1, rec.count(EventDeviceOffline), "offline on the third tick after the response")
	assert.Equal(t, 1, rec.count(EventPlugOffline))

	got, ok := e.Device("PLUG1")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, got.Status)

	for i := 0; i < 5; i++ {
		e.tick(r)
	}
	assert.Equal(t, 1, rec.count(EventDeviceOffline), "offline is reported once per transition")
}

func TestOfflineDeviceComesBackOnline(t *testing.T) {
	e := NewEngine(transport.NewClient())
	rec := newRecorder(e)
	r := manualRun(t, e, Options{OfflineTolerance: 1})

	e.tick(r)
	e.handleDatagram(r, datagram{data: encodeResponse(t, plugInfo), addr: from(9999)})
	first, _ := e.Device("PLUG1")
	e.tick(r)
	require.Equal(t, 1, rec.count(EventDeviceOffline))

	rec.reset()
	moved := plugInfo.Clone()
	moved["alias"] = "Kettle 2"
	e.handleDatagram(r, datagram{data: encodeResponse(t, moved), addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 51), Port: 9999}})

	assert.Equal(t, []string{EventDeviceOnline, EventPlugOnline}, rec.names())
	assert.Equal(t, 1, e.Registry().Len())

	again, ok := e.Device("PLUG1")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, again.Status)
	assert.Equal(t, "192.168.1.51", again.Host)
	assert.Equal(t, "Kettle 2", again.Alias())
	assert.Equal(t, first.FirstSeenAt, again.FirstSeenAt)
	assert.Same(t, first.Handle, again.Handle)
	assert.Equal(t, "192.168.1.51", again.Handle.Host())
}

func TestDualEmission(t *testing.T) {
	e := NewEngine(transport.NewClient())
	rec := newRecorder(e)
	r := manualRun(t, e, Options{})

	e.handleDatagram(r, datagram{data: encodeResponse(t, plugInfo), addr: from(9999)})
	e.handleDatagram(r, datagram{data: encodeResponse(t, bulbInfo), addr: from(9999)})
	e.handleDatagram(r, datagram{data: encodeResponse(t, hubInfo), addr: from(9999)})

	assert.Equal(t, []string{
		EventDeviceNew, EventPlugNew,
		EventDeviceNew, EventBulbNew,
		EventDeviceNew,
	}, rec.names())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, rec.events[0].ev, rec.events[1].ev, "generic and category events carry the same payload")
	assert.Equal(t, device.CategoryBulb, rec.events[3].ev.Category)
	assert.Equal(t, r.id, rec.events[0].ev.RunID)
}

func TestCategoryFilter(t *testing.T) {
	e := NewEngine(transport.NewClient())
	rec := newRecorder(e)
	r := manualRun(t, e, Options{Categories: []device.Category{device.CategoryBulb}})

	e.handleDatagram(r, datagram{data: encodeResponse(t, plugInfo), addr: from(9999)})
	e.handleDatagram(r, datagram{data: encodeResponse(t, bulbInfo), addr: from(9999)})

	assert.Equal(t, []string{EventDeviceNew, EventBulbNew}, rec.names())
	_, ok := e.Device("PLUG1")
	assert.False(t, ok)
}

func TestMalformedDatagramIsDiscarded(t *testing.T) {
	e := NewEngine(transport.NewClient())
	rec := newRecorder(e)
	r := manualRun(t, e, Options{})

	e.handleDatagram(r, datagram{data: []byte{0x01, 0x02, 0x03}, addr: from(9999)})
	e.handleDatagram(r, datagram{data: codec.Encrypt([]byte(`{"system":{"get_sysinfo":{"alias":"no id"}}}`)), addr: from(9999)})

	assert.Empty(t, rec.names())
	assert.Equal(t, 0, e.Registry().Len())
	assert.False(t, r.stopped.Load(), "malformed input must not end the run")
}

func TestHandleCarriesOptions(t *testing.T) {
	client := transport.NewClient()
	e := NewEngine(client)
	r := manualRun(t, e, Options{HandleOptions: device.Options{Timeout: 2 * time.Second}})

	e.handleDatagram(r, datagram{data: encodeResponse(t, bulbInfo), addr: from(10001)})

	got, ok := e.Device("BULB1")
	require.True(t, ok)
	require.NotNil(t, got.Handle)
	assert.Equal(t, device.CategoryBulb, got.Handle.Category())
	assert.Equal(t, 10001, got.Handle.Port())
	assert.Equal(t, "Hall", got.Handle.Alias())
}

func TestSequenceWraparound(t *testing.T) {
	e := NewEngine(transport.NewClient())
	rec := newRecorder(e)
	r := manualRun(t, e, Options{OfflineTolerance: 3})
	e.registry.seq = math.MaxUint32 - 1

	e.tick(r) // MaxUint32-1
	e.handleDatagram(r, datagram{data: encodeResponse(t, plugInfo), addr: from(9999)})

	e.tick(r) // MaxUint32
	e.tick(r) // 0
	assert.Equal(t, uint32(1), e.registry.Sequence())
	assert.Equal(t, 0, rec.count(EventDeviceOffline), "wrap must not look like a large gap")

	e.tick(r) // 1
	assert.Equal(t, 1, rec.count(EventDeviceOffline))
}

func TestStopSkipsPendingWork(t *testing.T) {
	e := NewEngine(transport.NewClient())
	rec := newRecorder(e)
	r := manualRun(t, e, Options{})

	e.Stop()
	e.Stop()

	e.tick(r)
	e.handleDatagram(r, datagram{data: encodeResponse(t, plugInfo), addr: from(9999)})
	assert.Empty(t, rec.names())
	assert.Equal(t, StateStopped, e.State())
	assert.Nil(t, e.LocalAddr())
}

func TestStopWhenIdle(t *testing.T) {
	e := NewEngine(transport.NewClient())
	e.Stop()
	assert.Equal(t, StateIdle, e.State())
	select {
	case <-e.Done():
	default:
		t.Fatal("Done should be closed when nothing ran")
	}
}

func TestSocketErrorEndsRun(t *testing.T) {
	e := NewEngine(transport.NewClient())
	rec := newRecorder(e)
	r := manualRun(t, e, Options{Interval: time.Hour})

	go e.loop(context.Background(), r)
	r.readErr <- errors.New("socket exploded")

	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after socket error")
	}

	require.Equal(t, 1, rec.count(EventErrorName))
	rec.mu.Lock()
	err := rec.events[len(rec.events)-1].ev.Err
	rec.mu.Unlock()
	assert.True(t, transport.IsDiscoveryError(err))
	assert.False(t, e.Running())
}

func TestOptionsValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "negative interval", opts: Options{Interval: -time.Second}},
		{name: "negative timeout", opts: Options{Timeout: -time.Second}},
		{name: "negative tolerance", opts: Options{OfflineTolerance: -1}},
		{name: "bad listen port", opts: Options{ListenPort: 70000}},
		{name: "unknown category", opts: Options{Categories: []device.Category{device.Category(7)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.opts.normalize()
			assert.Error(t, err)
		})
	}

	opts, err := Options{}.normalize()
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
}

func TestDestinations(t *testing.T) {
	opts, err := Options{Targets: []string{"10.0.0.5", "10.0.0.6:10000"}}.normalize()
	require.NoError(t, err)

	dests, err := opts.destinations()
	require.NoError(t, err)
	require.Len(t, dests, 3)
	assert.Equal(t, "255.255.255.255:9999", dests[0].String())
	assert.Equal(t, "10.0.0.5:9999", dests[1].String())
	assert.Equal(t, "10.0.0.6:10000", dests[2].String())
}

// fakeUDPDevice answers discovery requests on loopback.
type fakeUDPDevice struct {
	conn     net.PacketConn
	info     device.Sysinfo
	silent   atomic.Bool
	requests atomic.Int32
}

func newFakeUDPDevice(t *testing.T, info device.Sysinfo) *fakeUDPDevice {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	d := &fakeUDPDevice{conn: conn, info: info}
	reply := encodeResponse(t, info)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			d.requests.Add(1)
			if string(codec.Decrypt(buf[:n])) != device.SysinfoRequest || d.silent.Load() {
				continue
			}
			_, _ = conn.WriteTo(reply, addr)
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return d
}

func (d *fakeUDPDevice) port() int {
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}

// settledRequests waits until the request count holds still for one poll
// period and returns it.
func (d *fakeUDPDevice) settledRequests(t *testing.T, period time.Duration) int32 {
	t.Helper()
	last := int32(-1)
	require.Eventually(t, func() bool {
		n := d.requests.Load()
		stable := n == last
		last = n
		return stable
	}, 2*time.Second, period)
	return last
}

func TestEngine_LiveLifecycle(t *testing.T) {
	dev := newFakeUDPDevice(t, plugInfo)
	e := NewEngine(transport.NewClient())
	rec := newRecorder(e)

	opts := DefaultOptions()
	opts.ListenAddress = "127.0.0.1"
	opts.BroadcastAddress = "127.0.0.1"
	opts.DevicePort = dev.port()
	opts.Interval = 40 * time.Millisecond
	opts.OfflineTolerance = 3

	require.NoError(t, e.Start(context.Background(), opts))
	defer e.Stop()

	assert.ErrorIs(t, e.Start(context.Background(), opts), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return rec.count(EventPlugNew) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, e.Running())

	dev.silent.Store(true)
	require.Eventually(t, func() bool { return rec.count(EventPlugOffline) == 1 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(5 * opts.Interval)
	assert.Equal(t, 1, rec.count(EventPlugOffline))

	dev.silent.Store(false)
	require.Eventually(t, func() bool { return rec.count(EventPlugOnline) >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.count(EventDeviceNew), "a returning device is never new again")
}

func TestEngine_TimeoutStopsRun(t *testing.T) {
	dev := newFakeUDPDevice(t, plugInfo)
	e := NewEngine(transport.NewClient())

	opts := DefaultOptions()
	opts.ListenAddress = "127.0.0.1"
	opts.BroadcastAddress = "127.0.0.1"
	opts.DevicePort = dev.port()
	opts.Interval = 50 * time.Millisecond
	opts.Timeout = 300 * time.Millisecond

	start := time.Now()
	require.NoError(t, e.Start(context.Background(), opts))
	addr := e.LocalAddr().(*net.UDPAddr)

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on timeout")
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 280*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, StateStopped, e.State())

	// First tick is immediate, then one per interval. The device may still
	// be counting the last datagram sent before the stop.
	sent := dev.settledRequests(t, opts.Interval)
	assert.GreaterOrEqual(t, sent, int32(3))
	time.Sleep(4 * opts.Interval)
	assert.Equal(t, sent, dev.requests.Load(), "no broadcasts after the run stopped")

	conn, err := net.ListenPacket("udp4", addr.String())
	require.NoError(t, err, "socket should be released")
	_ = conn.Close()

	// A fresh run can start after the previous one ended.
	opts.Timeout = 0
	require.NoError(t, e.Start(context.Background(), opts))
	e.Stop()
}

func TestEngine_RestartWaitsForLoop(t *testing.T) {
	dev := newFakeUDPDevice(t, plugInfo)
	e := NewEngine(transport.NewClient())

	entered := make(chan struct{})
	release := make(chan struct{})
	var enterOnce, releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	var delivered atomic.Int32
	e.On(EventDeviceNew, func(Event) {
		enterOnce.Do(func() { close(entered) })
		<-release
		delivered.Add(1)
	})

	opts := DefaultOptions()
	opts.ListenAddress = "127.0.0.1"
	opts.BroadcastAddress = "127.0.0.1"
	opts.DevicePort = dev.port()
	opts.Interval = 20 * time.Millisecond

	require.NoError(t, e.Start(context.Background(), opts))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("device was never discovered")
	}

	// The first loop is still inside a handler.
	e.Stop()
	assert.ErrorIs(t, e.Start(context.Background(), opts), ErrAlreadyRunning)
	assert.Equal(t, StateStopped, e.State())

	unblock()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not finish")
	}
	assert.Equal(t, int32(1), delivered.Load())

	require.NoError(t, e.Start(context.Background(), opts))
	defer e.Stop()
	assert.True(t, e.Running())
}

func TestEngine_StopFromHandler(t *testing.T) {
	dev := newFakeUDPDevice(t, bulbInfo)
	e := NewEngine(transport.NewClient())
	e.On(EventBulbNew, func(Event) { e.Stop() })

	opts := DefaultOptions()
	opts.ListenAddress = "127.0.0.1"
	opts.BroadcastAddress = "127.0.0.1"
	opts.DevicePort = dev.port()
	opts.Interval = 20 * time.Millisecond

	require.NoError(t, e.Start(context.Background(), opts))
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stop from handler did not end the run")
	}
	_, ok := e.Device("BULB1")
	assert.True(t, ok)
}

func TestEngine_ContextCancelStopsRun(t *testing.T) {
	e := NewEngine(transport.NewClient())
	ctx, cancel := context.WithCancel(context.Background())

	opts := DefaultOptions()
	opts.ListenAddress = "127.0.0.1"
	opts.BroadcastAddress = "127.0.0.1"
	opts.DevicePort = sink(t)

	require.NoError(t, e.Start(ctx, opts))
	cancel()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context cancel did not end the run")
	}
	assert.False(t, e.Running())
}

func TestEngine_BindFailure(t *testing.T) {
	taken, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	e := NewEngine(transport.NewClient())
	rec := newRecorder(e)

	opts := DefaultOptions()
	opts.ListenAddress = "127.0.0.1"
	opts.ListenPort = taken.LocalAddr().(*net.UDPAddr).Port

	err = e.Start(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, transport.IsDiscoveryError(err))
	assert.Equal(t, 1, rec.count(EventErrorName))
	assert.False(t, e.Running())
}
