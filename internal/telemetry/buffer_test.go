package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tripline/realtime/internal/protocol"
)

func sampleAt(n int) Sample {
	return Sample{
		UserID:     "u1",
		Location:   protocol.Location{Lat: float64(n), Lon: float64(-n)},
		ReceivedAt: time.Unix(int64(n), 0).UTC(),
	}
}

func TestAppendAndHistory(t *testing.T) {
	b := NewBuffer()

	for i := 1; i <= 3; i++ {
		b.Append("booking-1", sampleAt(i))
	}

	got := b.History("booking-1")
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	for i, s := range got {
		if s.Location.Lat != float64(i+1) {
			t.Errorf("index %d: expected lat %d, got %v", i, i+1, s.Location.Lat)
		}
	}
}

func TestEvictionKeepsMostRecent(t *testing.T) {
	b := NewBuffer()

	// 150 samples; the buffer holds 100, so the first surviving entry is the
	// 51st sent.
	for i := 1; i <= 150; i++ {
		b.Append("booking-1", sampleAt(i))
	}

	got := b.History("booking-1")
	if len(got) != MaxSamples {
		t.Fatalf("expected %d samples, got %d", MaxSamples, len(got))
	}
	if !got[0].ReceivedAt.Equal(time.Unix(51, 0).UTC()) {
		t.Errorf("expected first entry to be sample 51, got %v", got[0].ReceivedAt)
	}
	if !got[len(got)-1].ReceivedAt.Equal(time.Unix(150, 0).UTC()) {
		t.Errorf("expected last entry to be sample 150, got %v", got[len(got)-1].ReceivedAt)
	}
}

func TestExactlyMaxSamples(t *testing.T) {
	b := NewBuffer()

	for i := 1; i <= MaxSamples; i++ {
		b.Append("booking-1", sampleAt(i))
	}

	got := b.History("booking-1")
	if len(got) != MaxSamples {
		t.Fatalf("expected %d samples, got %d", MaxSamples, len(got))
	}
	if got[0].Location.Lat != 1 || got[MaxSamples-1].Location.Lat != MaxSamples {
		t.Errorf("unexpected boundary samples: first=%v last=%v",
			got[0].Location.Lat, got[MaxSamples-1].Location.Lat)
	}
}

func TestHistoryIsACopy(t *testing.T) {
	b := NewBuffer()
	b.Append("booking-1", sampleAt(1))

	got := b.History("booking-1")
	got[0].UserID = "mutated"

	again := b.History("booking-1")
	if again[0].UserID != "u1" {
		t.Error("History snapshot aliases internal state")
	}
}

func TestHistoryUnknownChannel(t *testing.T) {
	b := NewBuffer()

	got := b.History("missing")
	if got == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 samples, got %d", len(got))
	}
}

func TestClear(t *testing.T) {
	b := NewBuffer()
	b.Append("booking-1", sampleAt(1))
	b.Append("booking-2", sampleAt(2))

	b.Clear("booking-1")

	if len(b.History("booking-1")) != 0 {
		t.Error("cleared channel still has samples")
	}
	if len(b.History("booking-2")) != 1 {
		t.Error("clear affected another channel")
	}

	// Clearing an unknown channel must not panic.
	b.Clear("does-not-exist")
}

func TestIndependentChannels(t *testing.T) {
	b := NewBuffer()
	b.Append("booking-1", sampleAt(1))
	b.Append("booking-2", sampleAt(2))
	b.Append("booking-1", sampleAt(3))

	if n := len(b.History("booking-1")); n != 2 {
		t.Errorf("booking-1: expected 2 samples, got %d", n)
	}
	if n := len(b.History("booking-2")); n != 1 {
		t.Errorf("booking-2: expected 1 sample, got %d", n)
	}
}

func TestConcurrentAppendAndRead(t *testing.T) {
	b := NewBuffer()
	goroutines := 50
	perGoroutine := 40

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Append("booking-1", Sample{
					UserID:     fmt.Sprintf("u%d", id),
					ReceivedAt: time.Now(),
				})
				_ = b.History("booking-1")
			}
		}(g)
	}
	wg.Wait()

	if n := len(b.History("booking-1")); n != MaxSamples {
		t.Fatalf("expected %d samples after concurrent writes, got %d", MaxSamples, n)
	}
}
