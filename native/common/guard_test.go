package common

import (
	"errors"
	"sync"
	"testing"
)

type pauseMap map[string]bool

func (p pauseMap) IsPaused(module string) bool { return p[module] }

func TestGuardPaused(t *testing.T) {
	if err := Guard(nil, "distribution"); err != nil {
		t.Fatalf("nil view should not pause: %v", err)
	}
	if err := Guard(pauseMap{"distribution": true}, "distribution"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauseMap{"other": true}, "distribution"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCallGuardRejectsEntryWhileHeld(t *testing.T) {
	guard := NewCallGuard()
	release, err := guard.Enter()
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if !guard.Active() {
		t.Fatalf("expected guard to be held")
	}
	if _, err := guard.Enter(); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", err)
	}
	release()
	release()
	if guard.Active() {
		t.Fatalf("guard still held after release")
	}

	release2, err := guard.Enter()
	if err != nil {
		t.Fatalf("re-enter after release: %v", err)
	}
	// A stale release from the first call must not free the second.
	release()
	if !guard.Active() {
		t.Fatalf("stale release freed the guard")
	}
	release2()
}

func TestCallGuardAdmitsOneConcurrentCaller(t *testing.T) {
	guard := NewCallGuard()
	hold, err := guard.Enter()
	if err != nil {
		t.Fatalf("enter: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := guard.Enter()
			if err == nil {
				rel()
				return
			}
			if errors.Is(err, ErrReentrantCall) {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	hold()
	if rejected != 16 {
		t.Fatalf("expected every contender rejected while held, got %d", rejected)
	}
}
