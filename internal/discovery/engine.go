package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muurk/kasa/internal/codec"
	"github.com/muurk/kasa/internal/device"
	"github.com/muurk/kasa/internal/logging"
	"github.com/muurk/kasa/internal/transport"
)

// ErrAlreadyRunning is returned by Start while a run is active.
var ErrAlreadyRunning = errors.New("discovery is already running")

// RunState is the phase of the current discovery run.
type RunState int32

const (
	StateIdle RunState = iota
	StateBound
	StateActive
	StateStopped
)

// String returns the lowercase state name
func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Engine runs UDP broadcast discovery and owns the device registry.
//
// At most one run is active at a time. All registry mutations of a run
// happen on its loop goroutine; inbound datagrams and broadcast ticks are
// serialized there.
type Engine struct {
	client   device.Sender
	registry *Registry
	events   *Emitter

	// now is replaceable in tests
	now func() time.Time

	mu  sync.Mutex
	run *run
}

// NewEngine creates an engine whose handles use client for requests.
func NewEngine(client device.Sender) *Engine {
	return &Engine{
		client:   client,
		registry: NewRegistry(),
		events:   NewEmitter(),
		now:      time.Now,
	}
}

// Registry returns the device registry (read-only for callers).
func (e *Engine) Registry() *Registry { return e.registry }

// Events returns the event emitter.
func (e *Engine) Events() *Emitter { return e.events }

// On subscribes to a named event; see Emitter.On.
func (e *Engine) On(name string, handler Handler) func() {
	return e.events.On(name, handler)
}

// State returns the state of the current (or last) run.
func (e *Engine) State() RunState {
	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	if r == nil {
		return StateIdle
	}
	return RunState(r.state.Load())
}

// Running reports whether a run is bound or active.
func (e *Engine) Running() bool {
	s := e.State()
	return s == StateBound || s == StateActive
}

// LocalAddr returns the bound address of the current run, or nil.
func (e *Engine) LocalAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil || e.run.stopped.Load() {
		return nil
	}
	return e.run.conn.LocalAddr()
}

// Done returns a channel closed when the current run's loop has exited.
// With no run it returns a closed channel.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.run.done
}

// Start binds the UDP socket and begins broadcasting. The run ends when Stop
// is called, when ctx is done, when opts.Timeout elapses, or on a socket
// error. A bind failure is returned and also reported as an error event.
//
// Start returns ErrAlreadyRunning until the previous run's loop has exited,
// so a restart after Stop should wait on Done first.
func (e *Engine) Start(ctx context.Context, opts Options) error {
	opts, err := opts.normalize()
	if err != nil {
		return err
	}
	dests, err := opts.destinations()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.run != nil && !e.run.finished() {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}

	r, err := e.bind(ctx, opts, dests)
	if err != nil {
		e.mu.Unlock()
		e.events.Publish(Event{Kind: EventError, Err: err, Time: e.now()})
		return err
	}
	e.run = r
	e.mu.Unlock()

	logging.Info("Discovery started",
		zap.String("run_id", r.id),
		zap.String("listen", r.conn.LocalAddr().String()),
		zap.String("broadcast", opts.BroadcastAddress),
		zap.Int("targets", len(opts.Targets)),
		zap.Duration("interval", opts.Interval),
		zap.Duration("timeout", opts.Timeout),
		zap.Int("offline_tolerance", opts.OfflineTolerance),
	)

	go r.readLoop()
	go e.loop(ctx, r)
	return nil
}

// Stop ends the current run: timers are cancelled and the socket is closed
// before Stop returns. It is safe to call when nothing is running and from
// event handlers. It does not wait for the loop goroutine; use Done for that.
func (e *Engine) Stop() {
	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	if r == nil {
		return
	}
	if r.stop() {
		logging.Info("Discovery stopped", zap.String("run_id", r.id))
	}
}

// Devices returns copies of all registered records.
func (e *Engine) Devices() []Record {
	return e.registry.List()
}

// Device returns a copy of one registered record.
func (e *Engine) Device(id string) (Record, bool) {
	return e.registry.Get(id)
}

type datagram struct {
	data []byte
	addr *net.UDPAddr
}

// run is one Bound -> Active -> Stopped cycle.
type run struct {
	id    string
	opts  Options
	dests []*net.UDPAddr
	conn  net.PacketConn

	datagrams chan datagram
	readErr   chan error
	stopCh    chan struct{}
	done      chan struct{}

	state    atomic.Int32
	stopped  atomic.Bool
	stopOnce sync.Once
}

func (e *Engine) bind(ctx context.Context, opts Options, dests []*net.UDPAddr) (*run, error) {
	lc := net.ListenConfig{Control: setBroadcast}
	conn, err := lc.ListenPacket(ctx, "udp4", opts.listenAddr())
	if err != nil {
		return nil, transport.NewDiscoveryError("failed to bind discovery socket", err)
	}

	r := &run{
		id:        uuid.New().String(),
		opts:      opts,
		dests:     dests,
		conn:      conn,
		datagrams: make(chan datagram, 16),
		readErr:   make(chan error, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.state.Store(int32(StateBound))
	return r, nil
}

// finished reports whether the run's loop has exited. A stopped run whose
// loop is still delivering an event is not finished.
func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// stop reports whether this call performed the stop.
func (r *run) stop() bool {
	performed := false
	r.stopOnce.Do(func() {
		performed = true
		r.stopped.Store(true)
		r.state.Store(int32(StateStopped))
		close(r.stopCh)
		_ = r.conn.Close()
	})
	return performed
}

func (r *run) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if r.stopped.Load() {
				return
			}
			select {
			case r.readErr <- err:
			default:
			}
			return
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case r.datagrams <- datagram{data: data, addr: udpAddr}:
		case <-r.stopCh:
			return
		}
	}
}

func (e *Engine) loop(ctx context.Context, r *run) {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if r.opts.Timeout > 0 {
		timer := time.NewTimer(r.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	r.state.CompareAndSwap(int32(StateBound), int32(StateActive))
	e.tick(r)

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			if r.stop() {
				logging.Info("Discovery stopped", zap.String("run_id", r.id), zap.String("reason", "context done"))
			}
			return
		case <-timeout:
			if r.stop() {
				logging.Info("Discovery stopped", zap.String("run_id", r.id), zap.String("reason", "timeout"))
			}
			return
		case err := <-r.readErr:
			e.fail(r, transport.NewDiscoveryError("discovery socket read failed", err))
			return
		case <-ticker.C:
			e.tick(r)
		case dg := <-r.datagrams:
			e.handleDatagram(r, dg)
		}
	}
}

// tick runs one broadcast cycle: sweep for stale devices, send the
// discovery request to every destination, advance the sequence.
func (e *Engine) tick(r *run) {
	if r.stopped.Load() {
		return
	}

	seq, demoted := e.registry.beginTick(r.opts.OfflineTolerance)
	for _, rec := range demoted {
		logging.Info("Device offline",
			zap.String("run_id", r.id),
			zap.String("device_id", rec.ID),
			zap.String("host", rec.Host),
			zap.Uint32("last_seen", rec.LastSeen),
			zap.Uint32("sequence", seq),
		)
		e.publish(r, EventOffline, rec)
	}

	msg := codec.Encrypt([]byte(device.SysinfoRequest))
	for _, dst := range r.dests {
		if r.stopped.Load() {
			return
		}
		_, err := r.conn.WriteTo(msg, dst)
		if err != nil {
			if r.stopped.Load() {
				return
			}
			e.fail(r, transport.NewDiscoveryError("failed to send discovery request to "+dst.String(), err))
			return
		}
		logging.LogDatagram("sent", dst.String(), msg)
	}

	e.registry.endTick(seq)
}

// discoveryResponse is the envelope of a device's reply to get_sysinfo.
type discoveryResponse struct {
	System struct {
		Sysinfo device.Sysinfo `json:"get_sysinfo"`
	} `json:"system"`
}

func (e *Engine) handleDatagram(r *run, dg datagram) {
	if r.stopped.Load() {
		return
	}

	from := dg.addr.String()
	logging.LogDatagram("received", from, dg.data)

	var resp discoveryResponse
	if err := json.Unmarshal(codec.Decrypt(dg.data), &resp); err != nil {
		logging.Warn("Discarding malformed discovery response",
			zap.String("from", from),
			zap.Int("length", len(dg.data)),
			zap.Error(err),
		)
		return
	}
	info := resp.System.Sysinfo
	if info.ID() == "" {
		logging.Warn("Discarding discovery response without device id", zap.String("from", from))
		return
	}

	category := device.CategoryOf(info)
	if !r.opts.allows(category) {
		logging.Debug("Ignoring device outside category filter",
			zap.String("from", from),
			zap.String("device_id", info.ID()),
			zap.Stringer("category", category),
		)
		return
	}

	host := dg.addr.IP.String()
	port := dg.addr.Port
	rec, kind := e.registry.observe(info, host, port, category, e.now(), func() *device.Handle {
		opts := r.opts.HandleOptions
		opts.Host = host
		opts.Port = port
		opts.Sysinfo = info
		opts.Client = e.client
		return device.New(category, opts)
	})

	if kind == EventNew {
		logging.Info("Device discovered",
			zap.String("run_id", r.id),
			zap.String("device_id", rec.ID),
			zap.String("alias", rec.Alias()),
			zap.Stringer("category", rec.Category),
			zap.String("addr", rec.Addr()),
		)
	}
	e.publish(r, kind, rec)
}

func (e *Engine) publish(r *run, kind EventKind, rec Record) {
	e.events.Publish(Event{
		Kind:     kind,
		Category: rec.Category,
		Record:   rec,
		RunID:    r.id,
		Time:     e.now(),
	})
}

// fail ends the run on a socket error and reports it as an error event.
func (e *Engine) fail(r *run, err error) {
	if !r.stop() {
		return
	}
	logging.Error("Discovery failed", zap.String("run_id", r.id), zap.Error(err))
	e.events.Publish(Event{Kind: EventError, RunID: r.id, Err: err, Time: e.now()})
}
