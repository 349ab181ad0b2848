package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adaricorp/ping-logger/probe"
	"github.com/adaricorp/ping-logger/rotate"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptedProbe struct {
	rtt time.Duration
	err error
}

// fakeProber replays a script of probe results, then keeps succeeding.
type fakeProber struct {
	mu     sync.Mutex
	calls  int
	script []scriptedProbe
}

func (p *fakeProber) Probe(ctx context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.calls
	p.calls++
	if i < len(p.script) {
		return p.script[i].rtt, p.script[i].err
	}

	return time.Millisecond, nil
}

func (p *fakeProber) Close() error {
	return nil
}

func (p *fakeProber) probes() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.calls
}

// recordingSink captures appended records and can fail selected calls.
type recordingSink struct {
	mu       sync.Mutex
	calls    int
	records  []string
	failWith map[int]error // keyed by 1-based call number
	onAppend func(call int)
}

func (s *recordingSink) Append(record []byte) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	err := s.failWith[call]
	if err == nil {
		s.records = append(s.records, string(record))
	}
	hook := s.onAppend
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	return err
}

func (s *recordingSink) captured() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.records...)
}

// runMonitor runs m until it stops on its own and fails the test if it
// never does.
func runMonitor(t *testing.T, ctx context.Context, m *Monitor) error {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
		return nil
	}
}

func TestRunRecordsOutcomesInOrder(t *testing.T) {
	assert := assert.New(t)

	prober := &fakeProber{script: []scriptedProbe{
		{rtt: 5 * time.Millisecond},
		{err: probe.ErrProbeTimeout},
		{rtt: 7 * time.Millisecond},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	sink.onAppend = func(call int) {
		if call == 3 {
			cancel()
		}
	}

	m := New(Config{
		Target:   "example.com",
		Interval: 5 * time.Millisecond,
		Timeout:  5 * time.Millisecond,
	}, prober, sink, testLogger())

	require.NoError(t, runMonitor(t, ctx, m))

	records := sink.captured()
	require.Len(t, records, 3)

	assert.Contains(records[0], "target=example.com")
	assert.Contains(records[0], "outcome=success")
	assert.Contains(records[0], "rtt=5ms")

	assert.Contains(records[1], "outcome=timeout")
	assert.NotContains(records[1], "rtt=")

	assert.Contains(records[2], "outcome=success")
}

func TestRunProbesImmediately(t *testing.T) {
	assert := assert.New(t)

	prober := &fakeProber{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	sink.onAppend = func(call int) {
		cancel()
	}

	// An hour long interval only finishes quickly when the first probe
	// runs before the first tick.
	m := New(Config{
		Target:   "example.com",
		Interval: time.Hour,
		Timeout:  time.Second,
	}, prober, sink, testLogger())

	require.NoError(t, runMonitor(t, ctx, m))

	assert.Equal(1, prober.probes())
	assert.Len(sink.captured(), 1)
}

// stallingProber never answers on its own, it waits for the per-probe
// deadline and reports why it gave up.
type stallingProber struct{}

func (p *stallingProber) Probe(ctx context.Context) (time.Duration, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (p *stallingProber) Close() error {
	return nil
}

func TestRunRecordsStalledProbeAsTimeout(t *testing.T) {
	assert := assert.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	sink.onAppend = func(call int) {
		cancel()
	}

	// Only the per-probe deadline can end the stalled probe, the hour
	// long interval would otherwise keep the test hanging.
	m := New(Config{
		Target:   "example.com",
		Interval: time.Hour,
		Timeout:  20 * time.Millisecond,
	}, &stallingProber{}, sink, testLogger())

	require.NoError(t, runMonitor(t, ctx, m))

	records := sink.captured()
	require.Len(t, records, 1)
	assert.Contains(records[0], "outcome=timeout")
	assert.NotContains(records[0], "rtt=")
}

func TestRunSkipsProbeWhenAlreadyCancelled(t *testing.T) {
	assert := assert.New(t)

	prober := &fakeProber{}
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(Config{
		Target:   "example.com",
		Interval: time.Millisecond,
		Timeout:  time.Millisecond,
	}, prober, sink, testLogger())

	require.NoError(t, m.Run(ctx))

	assert.Zero(prober.probes())
	assert.Empty(sink.captured())
}

func TestRunStopsOnFatalSinkError(t *testing.T) {
	assert := assert.New(t)

	prober := &fakeProber{}
	sink := &recordingSink{failWith: map[int]error{
		1: errors.Wrap(rotate.ErrDirVanished, "log directory /tmp/gone"),
	}}

	m := New(Config{
		Target:   "example.com",
		Interval: time.Millisecond,
		Timeout:  time.Millisecond,
	}, prober, sink, testLogger())

	err := runMonitor(t, context.Background(), m)
	require.Error(t, err)
	assert.True(errors.Is(err, rotate.ErrDirVanished))
	assert.Equal(1, prober.probes())
}

func TestRunContinuesOnTransientSinkError(t *testing.T) {
	assert := assert.New(t)

	prober := &fakeProber{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{failWith: map[int]error{
		1: errors.New("short write"),
	}}
	sink.onAppend = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	m := New(Config{
		Target:   "example.com",
		Interval: time.Millisecond,
		Timeout:  time.Millisecond,
	}, prober, sink, testLogger())

	require.NoError(t, runMonitor(t, ctx, m))

	assert.Equal(2, prober.probes())
	assert.Len(sink.captured(), 1)
}

func TestNewClampsTimeout(t *testing.T) {
	assert := assert.New(t)

	cfg := Config{Target: "example.com", Interval: time.Second}

	cfg.Timeout = 10 * time.Second
	assert.Equal(time.Second, New(cfg, &fakeProber{}, &recordingSink{}, testLogger()).timeout)

	cfg.Timeout = 0
	assert.Equal(time.Second, New(cfg, &fakeProber{}, &recordingSink{}, testLogger()).timeout)

	cfg.Timeout = 500 * time.Millisecond
	assert.Equal(500*time.Millisecond, New(cfg, &fakeProber{}, &recordingSink{}, testLogger()).timeout)
}
