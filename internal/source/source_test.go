package source

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taniwha3/trackwatch/internal/config"
	"github.com/taniwha3/trackwatch/internal/models"
	"github.com/taniwha3/trackwatch/internal/storage"
)

func TestDecodePayload(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		payload   string
		wantErr   error
		wantTS    time.Time
		wantAcous float64
	}{
		{
			name:      "complete with timestamp",
			payload:   `{"timestamp":"2025-03-01T08:59:59Z","acoustic":72.5,"vibration":0.4,"temperature":27,"humidity":60}`,
			wantTS:    time.Date(2025, 3, 1, 8, 59, 59, 0, time.UTC),
			wantAcous: 72.5,
		},
		{
			name:      "missing timestamp takes now",
			payload:   `{"acoustic":50,"vibration":0.1,"temperature":25,"humidity":50}`,
			wantTS:    now,
			wantAcous: 50,
		},
		{
			name:      "zero values are present",
			payload:   `{"acoustic":0,"vibration":0,"temperature":0,"humidity":0}`,
			wantTS:    now,
			wantAcous: 0,
		},
		{
			name:    "missing humidity",
			payload: `{"acoustic":50,"vibration":0.1,"temperature":25}`,
			wantErr: models.ErrPartialReading,
		},
		{
			name:    "not json",
			payload: `acoustic=50`,
			wantErr: ErrMalformedPayload,
		},
		{
			name:    "wrong type",
			payload: `{"acoustic":"loud","vibration":0.1,"temperature":25,"humidity":50}`,
			wantErr: ErrMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodePayload([]byte(tt.payload), now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodePayload() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodePayload() unexpected error: %v", err)
			}
			if !r.Timestamp().Equal(tt.wantTS) {
				t.Errorf("Timestamp = %v, want %v", r.Timestamp(), tt.wantTS)
			}
			if got := r.Value(models.Acoustic); got != tt.wantAcous {
				t.Errorf("acoustic = %v, want %v", got, tt.wantAcous)
			}
		})
	}
}

func TestEncodePayload_Decodes(t *testing.T) {
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	r, err := models.NewReading(ts, map[models.MetricKind]float64{
		models.Acoustic:    61,
		models.Vibration:   0.25,
		models.Temperature: 24.5,
		models.Humidity:    48,
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := EncodePayload(r)
	if err != nil {
		t.Fatalf("EncodePayload() error: %v", err)
	}

	got, err := DecodePayload(data, time.Now())
	if err != nil {
		t.Fatalf("DecodePayload() error: %v", err)
	}
	if !got.Timestamp().Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp(), ts)
	}
	for _, k := range models.AllKinds {
		if got.Value(k) != r.Value(k) {
			t.Errorf("%s = %v, want %v", k, got.Value(k), r.Value(k))
		}
	}
}

func TestSimulatedSource_InRange(t *testing.T) {
	th := models.DefaultThresholds()
	src := NewSimulated(th, 42)

	ctx := context.Background()
	for i := 0; i < 500; i++ {
		r, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		for _, k := range models.AllKinds {
			v := r.Value(k)
			if v < th[k].Min || v > th[k].Max {
				t.Fatalf("%s = %v outside [%v, %v]", k, v, th[k].Min, th[k].Max)
			}
		}
	}
}

func TestSimulatedSource_SeededIsDeterministic(t *testing.T) {
	th := models.DefaultThresholds()
	a := NewSimulatedWithRand(th, rand.New(rand.NewSource(7)))
	b := NewSimulatedWithRand(th, rand.New(rand.NewSource(7)))

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		ra, _ := a.Next(ctx)
		rb, _ := b.Next(ctx)
		for _, k := range models.AllKinds {
			if ra.Value(k) != rb.Value(k) {
				t.Fatalf("draw %d: %s differs: %v vs %v", i, k, ra.Value(k), rb.Value(k))
			}
		}
	}
}

func TestSimulatedSource_CancelledContext(t *testing.T) {
	src := NewSimulated(models.DefaultThresholds(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() error = %v, want context.Canceled", err)
	}
}

func setupReplayStore(t *testing.T, n int) *storage.SQLiteStorage {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		r, err := models.NewReading(base.Add(time.Duration(i)*time.Second), map[models.MetricKind]float64{
			models.Acoustic:    float64(40 + i),
			models.Vibration:   0.2,
			models.Temperature: 25,
			models.Humidity:    50,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.StoreTick(context.Background(), r.WithLocation("Red Line", "Rithala"), 90, nil); err != nil {
			t.Fatalf("StoreTick() error: %v", err)
		}
	}
	return store
}

func TestReplaySource_OrderAndExhaustion(t *testing.T) {
	store := setupReplayStore(t, 5)
	src := NewReplay(store, false)
	fixed := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return fixed }

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next() #%d error: %v", i, err)
		}
		if got, want := r.Value(models.Acoustic), float64(40+i); got != want {
			t.Errorf("reading %d acoustic = %v, want %v", i, got, want)
		}
		if !r.Timestamp().Equal(fixed) {
			t.Errorf("reading %d not restamped: %v", i, r.Timestamp())
		}
		if r.Station() != "Rithala" {
			t.Errorf("reading %d station = %q", i, r.Station())
		}
	}

	if _, err := src.Next(ctx); !errors.Is(err, ErrExhausted) {
		t.Errorf("Next() after end error = %v, want ErrExhausted", err)
	}
}

func TestReplaySource_Loop(t *testing.T) {
	store := setupReplayStore(t, 3)
	src := NewReplay(store, true)

	ctx := context.Background()
	var got []float64
	for i := 0; i < 7; i++ {
		r, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next() #%d error: %v", i, err)
		}
		got = append(got, r.Value(models.Acoustic))
	}

	want := []float64{40, 41, 42, 40, 41, 42, 40}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", got, want)
		}
	}
}

func TestReplaySource_IgnoresRowsWrittenDuringReplay(t *testing.T) {
	store := setupReplayStore(t, 2)
	src := NewReplay(store, false)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		r, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next() #%d error: %v", i, err)
		}
		// Persist the replayed reading the way the monitor would
		if err := store.StoreTick(ctx, r, 80, nil); err != nil {
			t.Fatalf("StoreTick() error: %v", err)
		}
	}

	if _, err := src.Next(ctx); !errors.Is(err, ErrExhausted) {
		t.Errorf("Next() error = %v, want ErrExhausted", err)
	}
}

func TestReplaySource_EmptyStore(t *testing.T) {
	store := setupReplayStore(t, 0)
	src := NewReplay(store, true)

	if _, err := src.Next(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Errorf("Next() error = %v, want ErrExhausted", err)
	}
}

func TestReplaySource_Closed(t *testing.T) {
	store := setupReplayStore(t, 1)
	src := NewReplay(store, false)
	src.Close()

	if _, err := src.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Next() error = %v, want ErrClosed", err)
	}
}

// fakeMessage implements mqtt.Message
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type rejectRecorder struct {
	mu      sync.Mutex
	reasons map[string]int
}

func (r *rejectRecorder) record(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reasons == nil {
		r.reasons = make(map[string]int)
	}
	r.reasons[reason]++
}

func (r *rejectRecorder) count(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasons[reason]
}

func payloadWithAcoustic(v string) []byte {
	return []byte(`{"acoustic":` + v + `,"vibration":0.2,"temperature":25,"humidity":50}`)
}

func TestMQTTSource_DeliversDecodedReadings(t *testing.T) {
	rec := &rejectRecorder{}
	src := newMQTTSource(MQTTOptions{Topic: "track/readings", Buffer: 4, OnReject: rec.record}, nil)

	src.handleMessage(nil, &fakeMessage{topic: "track/readings", payload: payloadWithAcoustic("66")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	r, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if r.Value(models.Acoustic) != 66 {
		t.Errorf("acoustic = %v, want 66", r.Value(models.Acoustic))
	}
}

func TestMQTTSource_RejectsBadPayloads(t *testing.T) {
	rec := &rejectRecorder{}
	src := newMQTTSource(MQTTOptions{Buffer: 4, OnReject: rec.record}, nil)

	src.handleMessage(nil, &fakeMessage{payload: []byte(`{`)})
	src.handleMessage(nil, &fakeMessage{payload: []byte(`{"acoustic":50}`)})

	stats := src.Stats()
	if stats.Received != 2 || stats.Malformed != 1 || stats.Partial != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	if rec.count(RejectMalformed) != 1 || rec.count(RejectPartial) != 1 {
		t.Errorf("reject reasons = %v", rec.reasons)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() error = %v, want DeadlineExceeded", err)
	}
}

func TestMQTTSource_OverflowDropsOldest(t *testing.T) {
	rec := &rejectRecorder{}
	src := newMQTTSource(MQTTOptions{Buffer: 2, OnReject: rec.record}, nil)

	for _, v := range []string{"41", "42", "43"} {
		src.handleMessage(nil, &fakeMessage{payload: payloadWithAcoustic(v)})
	}

	if got := src.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
	if rec.count(RejectOverflow) != 1 {
		t.Errorf("overflow rejects = %d, want 1", rec.count(RejectOverflow))
	}

	ctx := context.Background()
	for _, want := range []float64{42, 43} {
		r, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if r.Value(models.Acoustic) != want {
			t.Errorf("acoustic = %v, want %v", r.Value(models.Acoustic), want)
		}
	}
}

func TestMQTTSource_Close(t *testing.T) {
	src := newMQTTSource(MQTTOptions{}, nil)
	if err := src.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	// Second close is a no-op
	src.Close()

	if _, err := src.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Next() error = %v, want ErrClosed", err)
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	src, err := New(ctx, config.SourceConfig{Kind: config.SourceSimulated, Seed: 3}, Deps{})
	if err != nil {
		t.Fatalf("New(simulated) error: %v", err)
	}
	if src.Name() != "simulated" {
		t.Errorf("Name() = %q", src.Name())
	}

	if _, err := New(ctx, config.SourceConfig{Kind: config.SourceReplay}, Deps{}); err == nil {
		t.Error("New(replay) without store should fail")
	}

	store := setupReplayStore(t, 1)
	src, err = New(ctx, config.SourceConfig{Kind: config.SourceReplay}, Deps{Store: store})
	if err != nil {
		t.Fatalf("New(replay) error: %v", err)
	}
	if src.Name() != "replay" {
		t.Errorf("Name() = %q", src.Name())
	}

	if _, err := New(ctx, config.SourceConfig{Kind: "carrier-pigeon"}, Deps{}); err == nil {
		t.Error("New() with unknown kind should fail")
	}
}
