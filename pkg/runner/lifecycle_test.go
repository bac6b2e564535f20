package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type drainerFunc func() error

func (f drainerFunc) Drain() error { return f() }

func init() {
	BannerOutput = nil
}

func TestRunDrainsOnCancel(t *testing.T) {
	var drains, stops atomic.Int32
	started := make(chan struct{})
	r := NewLifecycleRunner(drainerFunc(func() error {
		drains.Add(1)
		return nil
	}), Hooks{
		OnStart: func() { close(started) },
		OnStop:  func() { stops.Add(1) },
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	<-started
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if drains.Load() != 1 || stops.Load() != 1 {
		t.Fatalf("expected one drain and one stop hook, got %d/%d", drains.Load(), stops.Load())
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", r.State())
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestStopReportsDrainTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := NewLifecycleRunner(drainerFunc(func() error {
		<-release
		return nil
	}), Hooks{}, 20*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", r.State())
	}
}
