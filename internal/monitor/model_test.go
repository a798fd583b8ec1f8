package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/kasa/internal/device"
	"github.com/muurk/kasa/internal/discovery"
	"github.com/muurk/kasa/internal/ui"
)

type fakeSource struct {
	emitter *discovery.Emitter

	mu      sync.Mutex
	devices []discovery.Record
}

func (f *fakeSource) On(name string, h discovery.Handler) func() { return f.emitter.On(name, h) }

func (f *fakeSource) Devices() []discovery.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]discovery.Record(nil), f.devices...)
}

func (f *fakeSource) add(rec discovery.Record) {
	f.mu.Lock()
	f.devices = append(f.devices, rec)
	f.mu.Unlock()
}

type recordingSender struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (s *recordingSender) Send(_ context.Context, _ string, _ int, payload []byte, _ time.Duration) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, string(payload))
	if s.err != nil {
		return nil, s.err
	}
	return map[string]any{"err_code": float64(0)}, nil
}

func record(id, alias string, category device.Category, sender device.Sender) discovery.Record {
	info := device.Sysinfo{"deviceId": id, "alias": alias}
	return discovery.Record{
		ID:       id,
		Host:     "10.0.0.2",
		Port:     device.DefaultPort,
		Category: category,
		Status:   discovery.StatusOnline,
		Sysinfo:  info,
		Handle:   device.New(category, device.Options{Host: "10.0.0.2", Sysinfo: info, Client: sender}),
	}
}

func keyPress(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModel_ShowsDevicesAndEvents(t *testing.T) {
	src := &fakeSource{emitter: discovery.NewEmitter()}
	src.add(record("PLUG1", "Kettle", device.CategoryPlug, nil))

	m, stop := New(src, time.Second)
	defer stop()

	view := m.View()
	assert.Contains(t, view, "Kettle")
	assert.Contains(t, view, "1 devices, 1 online")

	bulb := record("BULB1", "Hall", device.CategoryBulb, nil)
	src.add(bulb)
	src.emitter.Publish(discovery.Event{Kind: discovery.EventNew, Category: device.CategoryBulb, Record: bulb, Time: time.Now()})

	msg := waitForEvent(m.events)()
	ev, ok := msg.(eventMsg)
	require.True(t, ok)
	assert.Equal(t, discovery.EventDeviceNew, ev.name)

	updated, cmd := m.Update(msg)
	require.NotNil(t, cmd, "model keeps listening for events")
	view = updated.View()
	assert.Contains(t, view, "Hall")
	assert.Contains(t, view, "bulb new (Hall)")
}

func TestModel_ErrorEvent(t *testing.T) {
	src := &fakeSource{emitter: discovery.NewEmitter()}
	m, stop := New(src, time.Second)
	defer stop()

	updated, _ := m.Update(eventMsg{name: discovery.EventErrorName, ev: discovery.Event{Kind: discovery.EventError, Err: errors.New("socket closed")}})
	assert.Contains(t, updated.View(), "socket closed")
}

func TestModel_Quit(t *testing.T) {
	src := &fakeSource{emitter: discovery.NewEmitter()}
	m, stop := New(src, time.Second)
	defer stop()

	_, cmd := m.Update(keyPress("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestModel_PowerToggle(t *testing.T) {
	sender := &recordingSender{}
	src := &fakeSource{emitter: discovery.NewEmitter()}
	src.add(record("PLUG1", "Kettle", device.CategoryPlug, sender))

	m, stop := New(src, time.Second)
	defer stop()

	_, cmd := m.Update(keyPress("o"))
	require.NotNil(t, cmd)
	res, ok := cmd().(powerResultMsg)
	require.True(t, ok)
	require.NoError(t, res.err)
	assert.True(t, res.on)
	require.Len(t, sender.payloads, 1)
	assert.True(t, strings.Contains(sender.payloads[0], `"set_relay_state":{"state":1}`))

	updated, _ := m.Update(res)
	assert.Contains(t, updated.View(), "PLUG1 switched on")
}

func TestModel_PowerRejectsBulb(t *testing.T) {
	src := &fakeSource{emitter: discovery.NewEmitter()}
	src.add(record("BULB1", "Hall", device.CategoryBulb, &recordingSender{}))

	m, stop := New(src, time.Second)
	defer stop()

	_, cmd := m.Update(keyPress("f"))
	require.NotNil(t, cmd)
	res := cmd().(powerResultMsg)
	assert.Error(t, res.err)

	updated, _ := m.Update(res)
	assert.Contains(t, updated.View(), "not a plug")
}

func TestModel_SizedBeforeFirstResize(t *testing.T) {
	if ui.IsTerminal() {
		t.Skip("stdout is a terminal")
	}
	m, stop := New(&fakeSource{emitter: discovery.NewEmitter()}, time.Second)
	defer stop()

	// Tests have no terminal, so the fallback size applies.
	assert.Equal(t, 60, m.width)
	assert.Equal(t, 24, m.height)
	assert.Equal(t, 16, tableHeight(24))
	assert.Equal(t, 3, tableHeight(5))

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 5})
	assert.Less(t, updated.(Model).table.Height(), m.table.Height())
}
