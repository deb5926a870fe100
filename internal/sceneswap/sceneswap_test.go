package sceneswap

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eundersander/bps-nav/internal/telemetry"
)

type fakeLoader struct {
	loadCount int32
}

func (f *fakeLoader) Load(meshPath string) (*Handle, error) {
	atomic.AddInt32(&f.loadCount, 1)
	return NewHandle(0), nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInactivePoolSwapExchangesIndices(t *testing.T) {
	pool := NewInactivePool([]int{1, 2, 3}, rand.New(rand.NewSource(1)))
	newActive := pool.Swap(0)

	found := false
	for _, v := range pool.scenes {
		if v == 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("old active scene 0 was not placed back into the inactive pool")
	}
	if newActive == 0 {
		t.Fatal("new active scene should come from the inactive pool, not equal the old active")
	}
}

func TestSlotSwapLifecycle(t *testing.T) {
	loader := &fakeLoader{}
	pool := NewInactivePool([]int{1, 2}, rand.New(rand.NewSource(1)))
	slot := NewSlot(0, 0, loader, pool, func(i int) string {
		return fmt.Sprintf("scene_%d.bps", i)
	}, Config{LoadRateLimit: time.Millisecond}, telemetry.NewLogger("test"))

	if !slot.CanSwap() {
		t.Fatal("a fresh slot should be able to swap")
	}

	slot.StartSwap()
	if slot.CanSwap() {
		t.Fatal("CanSwap should be false while a load is in flight")
	}

	waitFor(t, time.Second, func() bool {
		slot.PreStep(4)
		return slot.PendingHandle() != nil
	})

	if slot.PostStep() {
		t.Fatal("PostStep should not report a swap while environments are still pending migration")
	}

	slot.OneLoaded()
	slot.OneLoaded()
	slot.OneLoaded()
	slot.OneLoaded()

	if !slot.PostStep() {
		t.Fatal("PostStep should report a completed swap once all environments have migrated")
	}
	if slot.PendingHandle() != nil {
		t.Fatal("pending handle should be dropped after a completed swap")
	}

	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&loader.loadCount) >= 2
	})
}

func TestTrackerConsistency(t *testing.T) {
	loader := &fakeLoader{}
	pool := NewInactivePool([]int{1}, rand.New(rand.NewSource(1)))
	slot := NewSlot(0, 0, loader, pool, func(i int) string {
		return fmt.Sprintf("scene_%d.bps", i)
	}, Config{LoadRateLimit: time.Millisecond}, telemetry.NewLogger("test"))

	tracker := NewTracker(slot)
	if !tracker.IsConsistent() {
		t.Fatal("a fresh tracker should be consistent with its slot")
	}

	slot.StartSwap()
	if tracker.IsConsistent() {
		t.Fatal("tracker should be inconsistent once the slot's active scene has rotated")
	}

	tracker.Update()
	if !tracker.IsConsistent() {
		t.Fatal("tracker should be consistent again after Update")
	}
	if tracker.CachedSceneIndex() != slot.ActiveSceneIndex() {
		t.Fatalf("cached scene index %d != slot active scene index %d", tracker.CachedSceneIndex(), slot.ActiveSceneIndex())
	}
}
