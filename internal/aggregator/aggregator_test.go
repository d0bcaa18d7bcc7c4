package aggregator_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxlink/internal/aggregator"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// fakeSender records every unit it is asked to send.
type fakeSender struct {
	mu       sync.Mutex
	writable bool
	sendErr  error
	units    []protocol.Unit
}

func (f *fakeSender) Writable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writable
}

func (f *fakeSender) SessionID() string { return "sess-test" }

func (f *fakeSender) SendUnit(_ context.Context, u protocol.Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.units = append(f.units, u)
	return nil
}

func (f *fakeSender) setWritable(w bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writable = w
}

func (f *fakeSender) sent() []protocol.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Unit, len(f.units))
	copy(out, f.units)
	return out
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func newAggregator(t *testing.T, s aggregator.Sender, rate int, opts ...aggregator.Option) *aggregator.Aggregator {
	t.Helper()
	m, _ := newTestMetrics(t)
	opts = append([]aggregator.Option{aggregator.WithMetrics(m)}, opts...)
	a, err := aggregator.New(s, rate, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := aggregator.New(nil, 48000); err == nil {
		t.Error("expected error for nil sender")
	}
	if _, err := aggregator.New(&fakeSender{}, 0); err == nil {
		t.Error("expected error for zero rate")
	}
}

func TestTick_SendsOneUnitPerTick(t *testing.T) {
	t.Parallel()

	s := &fakeSender{writable: true}
	a := newAggregator(t, s, 48000)

	for range 10 {
		a.Enqueue(make(audio.Frame, 128))
	}
	a.Tick(context.Background())

	units := s.sent()
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	u := units[0]
	// 1280 samples at 48 kHz → 640 samples at 24 kHz → 1280 bytes.
	if len(u.Payload) != 1280 {
		t.Errorf("payload = %d bytes, want 1280", len(u.Payload))
	}
	if u.Header.ByteLength != len(u.Payload) {
		t.Errorf("byte_length %d != payload %d", u.Header.ByteLength, len(u.Payload))
	}
	if u.Header.Type != protocol.TypePCMAudio || u.Header.Rate != 24000 || u.Header.SessionID != "sess-test" {
		t.Errorf("unexpected header: %+v", u.Header)
	}
	if a.Pending() != 0 {
		t.Errorf("pending = %d after tick, want 0", a.Pending())
	}
}

func TestTick_PreservesArrivalOrder(t *testing.T) {
	t.Parallel()

	s := &fakeSender{writable: true}
	a := newAggregator(t, s, audio.TargetSampleRate)

	a.Enqueue(audio.Frame{1, 1})
	a.Enqueue(audio.Frame{-1})
	a.Enqueue(audio.Frame{0})
	a.Tick(context.Background())

	units := s.sent()
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	pcm := units[0].Payload
	want := []int16{32767, 32767, -32768, 0}
	if len(pcm) != len(want)*2 {
		t.Fatalf("payload = %d bytes, want %d", len(pcm), len(want)*2)
	}
	for i, w := range want {
		if got := int16(binary.LittleEndian.Uint16(pcm[i*2:])); got != w {
			t.Errorf("sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestTick_EmptyQueueSendsNothing(t *testing.T) {
	t.Parallel()

	s := &fakeSender{writable: true}
	a := newAggregator(t, s, 48000)

	a.Tick(context.Background())
	if n := len(s.sent()); n != 0 {
		t.Errorf("expected no units, got %d", n)
	}
}

func TestTick_DecimationToZeroSendsNothing(t *testing.T) {
	t.Parallel()

	s := &fakeSender{writable: true}
	a := newAggregator(t, s, 48000)

	// One sample at 48 kHz decimates to zero samples at 24 kHz.
	a.Enqueue(audio.Frame{0.5})
	a.Tick(context.Background())
	if n := len(s.sent()); n != 0 {
		t.Errorf("expected no units for empty PCM, got %d", n)
	}
}

func TestTick_NotWritableKeepsFrames(t *testing.T) {
	t.Parallel()

	s := &fakeSender{writable: false}
	a := newAggregator(t, s, 48000)

	a.Enqueue(make(audio.Frame, 128))
	a.Enqueue(make(audio.Frame, 128))
	a.Tick(context.Background())

	if n := len(s.sent()); n != 0 {
		t.Fatalf("expected no units while not writable, got %d", n)
	}
	if a.Pending() != 2 {
		t.Fatalf("pending = %d, want 2 (no drain while not writable)", a.Pending())
	}

	s.setWritable(true)
	a.Tick(context.Background())
	units := s.sent()
	if len(units) != 1 || len(units[0].Payload) != 256 {
		t.Fatalf("expected one 256-byte unit after becoming writable, got %d units", len(units))
	}
}

func TestTick_SendErrorDropsBatch(t *testing.T) {
	t.Parallel()

	s := &fakeSender{writable: true, sendErr: errors.New("broken pipe")}
	a := newAggregator(t, s, 48000)

	a.Enqueue(make(audio.Frame, 128))
	a.Tick(context.Background())
	if a.Pending() != 0 {
		t.Errorf("pending = %d, want 0: sends are fire-and-forget", a.Pending())
	}
}

func TestEnqueue_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	s := &fakeSender{writable: false}
	a, err := aggregator.New(s, audio.TargetSampleRate,
		aggregator.WithMaxPending(3),
		aggregator.WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := range 5 {
		a.Enqueue(audio.Frame{float32(i) / 10})
	}
	if a.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", a.Pending())
	}
	if got := counterValue(t, reader, "voxlink.audio.frames_dropped"); got != 2 {
		t.Errorf("frames_dropped = %d, want 2", got)
	}
	if got := counterValue(t, reader, "voxlink.audio.frames_captured"); got != 5 {
		t.Errorf("frames_captured = %d, want 5", got)
	}

	s.setWritable(true)
	a.Tick(context.Background())
	units := s.sent()
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	// The newest three frames (0.2, 0.3, 0.4) survive, in order.
	want := []int16{
		audio.QuantizeSample(0.2),
		audio.QuantizeSample(0.3),
		audio.QuantizeSample(0.4),
	}
	pcm := units[0].Payload
	for i, w := range want {
		if got := int16(binary.LittleEndian.Uint16(pcm[i*2:])); got != w {
			t.Errorf("sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestEnqueue_IgnoresEmptyFrames(t *testing.T) {
	t.Parallel()

	a := newAggregator(t, &fakeSender{}, 48000)
	a.Enqueue(nil)
	a.Enqueue(audio.Frame{})
	if a.Pending() != 0 {
		t.Errorf("pending = %d, want 0", a.Pending())
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	s := &fakeSender{writable: true}
	a := newAggregator(t, s, 48000)
	a.Enqueue(make(audio.Frame, 128))
	a.Discard()
	a.Tick(context.Background())
	if n := len(s.sent()); n != 0 {
		t.Errorf("expected no units after Discard, got %d", n)
	}
}

func TestEnqueueConcurrentWithTick(t *testing.T) {
	t.Parallel()

	s := &fakeSender{writable: true}
	a := newAggregator(t, s, audio.TargetSampleRate, aggregator.WithMaxPending(1_000_000))

	const producers, perProducer = 4, 500
	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perProducer {
				a.Enqueue(audio.Frame{0.1})
			}
		}()
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
				a.Tick(context.Background())
			}
		}
	}()
	wg.Wait()
	close(done)
	<-stopped
	a.Tick(context.Background())

	total := 0
	for _, u := range s.sent() {
		total += len(u.Payload) / 2
	}
	total += a.Pending()
	if total != producers*perProducer {
		t.Errorf("samples accounted = %d, want %d (no frame lost or duplicated)", total, producers*perProducer)
	}
}
