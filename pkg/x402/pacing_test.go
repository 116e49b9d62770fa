package x402

import (
	"context"
	"testing"
	"time"
)

func TestHostPacer_Disabled(t *testing.T) {
	pacer := NewHostPacer(0)
	if pacer != nil {
		t.Fatal("Expected nil pacer when pacing is disabled")
	}
	if !pacer.Allow("api.example.com") {
		t.Error("Expected a nil pacer to allow everything")
	}
	if err := pacer.Wait(context.Background(), "api.example.com"); err != nil {
		t.Errorf("Expected a nil pacer to never block, got %v", err)
	}
}

func TestHostPacer_AllowConsumesSlot(t *testing.T) {
	pacer := NewHostPacer(1)

	if !pacer.Allow("api.example.com") {
		t.Fatal("Expected the first attempt to pass")
	}
	if pacer.Allow("api.example.com") {
		t.Error("Expected the second attempt within the minute to be paced")
	}

	// Hosts are paced independently.
	if !pacer.Allow("other.example.com") {
		t.Error("Expected a fresh host to have its own slot")
	}
}

func TestHostPacer_WaitHonorsContext(t *testing.T) {
	pacer := NewHostPacer(1)
	if !pacer.Allow("api.example.com") {
		t.Fatal("Expected the first attempt to pass")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := pacer.Wait(ctx, "api.example.com")
	if err == nil {
		t.Fatal("Expected Wait to give up when the context ends")
	}
}

func TestHostPacer_JanitorPrunes(t *testing.T) {
	pacer := NewHostPacer(10)
	pacer.Allow("api.example.com")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pacer.StartJanitor(ctx, 5*time.Millisecond, time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for {
		pacer.mu.Lock()
		remaining := len(pacer.entries)
		pacer.mu.Unlock()
		if remaining == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected the idle host pruned, %d entries remain", remaining)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
