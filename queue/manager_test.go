package queue

import (
	"sync"
	"testing"
)

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	// No configs; Acquire/Release should always succeed.
	if !m.Acquire("any-kind", "") {
		t.Fatal("expected Acquire to succeed for unconfigured kind")
	}
	m.Release("any-kind", "")
}

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{
		Kind:           "export_workspace",
		MaxConcurrency: 2,
	})

	if !m.Acquire("export_workspace", "") {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire("export_workspace", "") {
		t.Fatal("second Acquire should succeed")
	}
	if m.Acquire("export_workspace", "") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	m.Release("export_workspace", "")
	if !m.Acquire("export_workspace", "") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_ActiveCount(t *testing.T) {
	m := NewManager(Config{Kind: "k", MaxConcurrency: 5})

	for i := range 3 {
		if !m.Acquire("k", "") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if m.ActiveCount("k") != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount("k"))
	}

	m.Release("k", "")
	m.Release("k", "")
	if m.ActiveCount("k") != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount("k"))
	}
}

func TestManager_RateLimit(t *testing.T) {
	m := NewManager(Config{
		Kind:      "k",
		RateLimit: 1, // 1/sec, burst 1
	})

	if !m.Acquire("k", "") {
		t.Fatal("first Acquire should succeed")
	}
	// Burst exhausted; immediate second acquire is denied.
	if m.Acquire("k", "") {
		t.Fatal("second immediate Acquire should fail")
	}
}

func TestManager_OwnerLimits(t *testing.T) {
	m := NewManager(Config{Kind: "k"})
	m.SetOwnerConfig(OwnerConfig{
		Kind:           "k",
		OwnerID:        "alice",
		MaxConcurrency: 1,
	})

	if !m.Acquire("k", "alice") {
		t.Fatal("first Acquire for owner should succeed")
	}
	if m.Acquire("k", "alice") {
		t.Fatal("second Acquire should fail (owner concurrency 1)")
	}
	// A different owner is unaffected.
	if !m.Acquire("k", "bob") {
		t.Fatal("Acquire for other owner should succeed")
	}

	m.Release("k", "alice")
	if !m.Acquire("k", "alice") {
		t.Fatal("Acquire should succeed after owner Release")
	}
	if m.OwnerActiveCount("k", "alice") != 1 {
		t.Fatalf("expected 1 active for alice, got %d", m.OwnerActiveCount("k", "alice"))
	}
}

func TestManager_SetKindConfigPreservesActive(t *testing.T) {
	m := NewManager(Config{Kind: "k", MaxConcurrency: 3})
	m.Acquire("k", "")
	m.Acquire("k", "")

	m.SetKindConfig(Config{Kind: "k", MaxConcurrency: 2})
	if m.ActiveCount("k") != 2 {
		t.Fatalf("expected active count preserved, got %d", m.ActiveCount("k"))
	}
	// Already at new cap.
	if m.Acquire("k", "") {
		t.Fatal("Acquire should fail at reduced cap")
	}
}

func TestManager_ConcurrentAcquireRelease(t *testing.T) {
	m := NewManager(Config{Kind: "k", MaxConcurrency: 4})

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if m.Acquire("k", "") {
					if m.ActiveCount("k") > 4 {
						t.Error("active count exceeded cap")
					}
					m.Release("k", "")
				}
			}
		}()
	}
	wg.Wait()

	if m.ActiveCount("k") != 0 {
		t.Fatalf("expected 0 active after churn, got %d", m.ActiveCount("k"))
	}
}
