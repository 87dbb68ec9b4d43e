package common

import (
	"errors"
	"sync/atomic"
)

var (
	ErrModulePaused  = errors.New("module paused")
	ErrReentrantCall = errors.New("reentrant call")
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// CallGuard admits one public entry point at a time. Any entry attempted
// while a call holds the guard is rejected with ErrReentrantCall, whatever
// context it carries. Callers that need queuing serialise outside the guard.
type CallGuard struct {
	active atomic.Bool
}

// NewCallGuard returns an idle guard.
func NewCallGuard() *CallGuard {
	return &CallGuard{}
}

// Enter claims the guard without blocking. The release function is safe to
// call more than once.
func (g *CallGuard) Enter() (func(), error) {
	if !g.active.CompareAndSwap(false, true) {
		return func() {}, ErrReentrantCall
	}
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			g.active.Store(false)
		}
	}, nil
}

// Active reports whether a call currently holds g.
func (g *CallGuard) Active() bool {
	return g.active.Load()
}
