// Package runner implements the two interchangeable Runner strategies of
// spec.md §4.5: a per-observer-thread variant for small observer counts
// with blocking parsers, and a single-thread variant that bounds thread
// count under heavy fan-out.
//
// PerObserverThread is grounded on the write-then-read-until-match pairing
// in roosterfish-dcc-ex-go/sensor.Sensor.Persist and station.CommandStation.
// Status: golang.org/x/sync/errgroup runs the observer's Start (the write)
// concurrently with its AwaitDone (the read-until-match), the same shape
// as those methods' `g.Go(write); g.Go(read); g.Wait()`, generalized into
// "register a waiter, unblock on completion or timeout" so it works for
// arbitrarily many observers sharing one connection instead of one
// request/response pair. SingleThread has no such per-observer pairing —
// see its own doc comment for its grounding.
package runner

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/outrigger-labs/shellwatch/errkind"
	"github.com/outrigger-labs/shellwatch/observer"
)

// Observer is the subset of the observer.Base surface (promoted by
// Command and Event) a Runner needs to drive an observer to completion.
type Observer interface {
	Start(timeout time.Duration) error
	AwaitDone(timeout time.Duration) (any, error)
	Cancel()
	Done() bool
	AddDoneSubscriber(fn observer.DoneFunc) int
	RemoveDoneSubscriber(id int)
}

// Handle cancels the observer it was returned for.
type Handle struct{ o Observer }

func (h Handle) Cancel() { h.o.Cancel() }

// Runner is the contract both variants implement.
type Runner interface {
	// Submit starts o under timeout and returns a cancellable Handle.
	// Non-blocking. Fails with errkind.AlreadySubmitted if o was already
	// submitted to this Runner.
	Submit(o Observer, timeout time.Duration) (Handle, error)
	// WaitFor blocks until o is terminal or the deadline passes.
	WaitFor(o Observer, timeout time.Duration) (any, error)
	// Shutdown cancels every outstanding observer and waits up to
	// timeout for workers to finish. Returns false if the bound was
	// exceeded (workers are then reported as leaked, not killed).
	Shutdown(timeout time.Duration) bool
}

// WaitFor is identical for both variants: it simply delegates to the
// observer's own AwaitDone, since timeout accounting lives on the
// observer (spec.md §4.1), not the runner.
func WaitFor(o Observer, timeout time.Duration) (any, error) {
	return o.AwaitDone(timeout)
}

// PerObserverThread starts one dedicated goroutine per submitted observer
// that blocks on AwaitDone, suitable for small observer counts or
// observers with blocking parsers.
type PerObserverThread struct {
	mu        sync.Mutex
	submitted map[Observer]bool
	shutdown  bool
	wg        sync.WaitGroup
}

func NewPerObserverThread() *PerObserverThread {
	return &PerObserverThread{submitted: make(map[Observer]bool)}
}

// Submit runs o's Start and AwaitDone concurrently under one errgroup.Group,
// mirroring sensor.Sensor.Persist's write-goroutine/read-until-match-
// goroutine pairing: AwaitDone is already listening for completion while
// Start subscribes and writes, rather than waiting for Start to return
// first. If Start fails, the observer is cancelled so the AwaitDone side
// unblocks immediately instead of idling out its own timeout.
func (r *PerObserverThread) Submit(o Observer, timeout time.Duration) (Handle, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return Handle{}, errkind.NewInternal(nil)
	}
	if r.submitted[o] {
		r.mu.Unlock()
		return Handle{}, errkind.NewAlreadySubmitted()
	}
	r.submitted[o] = true
	r.wg.Add(1)
	r.mu.Unlock()

	started := make(chan error, 1)

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.submitted, o)
			r.mu.Unlock()
		}()

		var g errgroup.Group
		g.Go(func() error {
			err := o.Start(timeout)
			if err != nil {
				o.Cancel()
			}
			started <- err
			return err
		})
		g.Go(func() error {
			_, err := o.AwaitDone(timeout)
			return err
		})
		g.Wait()
	}()

	if err := <-started; err != nil {
		return Handle{}, err
	}
	return Handle{o: o}, nil
}

func (r *PerObserverThread) WaitFor(o Observer, timeout time.Duration) (any, error) {
	return WaitFor(o, timeout)
}

func (r *PerObserverThread) Shutdown(timeout time.Duration) bool {
	r.mu.Lock()
	r.shutdown = true
	for o := range r.submitted {
		o.Cancel()
	}
	r.mu.Unlock()

	return waitBounded(&r.wg, timeout)
}

// SingleThread services completion notifications for every observer
// submitted to it from one worker goroutine, bounding thread count under
// heavy fan-out. No parsing happens on this worker: parsing already runs
// on each subscription's delivery goroutine inside conn.FanOut (started by
// FanOut.Subscribe); this worker only reacts to completion.
type SingleThread struct {
	mu        sync.Mutex
	submitted map[Observer]bool
	shutdown  bool
	events    chan Observer
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewSingleThread() *SingleThread {
	r := &SingleThread{
		submitted: make(map[Observer]bool),
		events:    make(chan Observer, 256),
		stopCh:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

func (r *SingleThread) worker() {
	defer r.wg.Done()
	for {
		select {
		case o := <-r.events:
			r.mu.Lock()
			delete(r.submitted, o)
			r.mu.Unlock()
		case <-r.stopCh:
			return
		}
	}
}

func (r *SingleThread) Submit(o Observer, timeout time.Duration) (Handle, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return Handle{}, errkind.NewInternal(nil)
	}
	if r.submitted[o] {
		r.mu.Unlock()
		return Handle{}, errkind.NewAlreadySubmitted()
	}
	r.submitted[o] = true
	r.mu.Unlock()

	if err := o.Start(timeout); err != nil {
		r.mu.Lock()
		delete(r.submitted, o)
		r.mu.Unlock()
		return Handle{}, err
	}

	o.AddDoneSubscriber(func(*observer.Base) {
		select {
		case r.events <- o:
		case <-r.stopCh:
		}
	})

	return Handle{o: o}, nil
}

func (r *SingleThread) WaitFor(o Observer, timeout time.Duration) (any, error) {
	return WaitFor(o, timeout)
}

func (r *SingleThread) Shutdown(timeout time.Duration) bool {
	r.mu.Lock()
	r.shutdown = true
	for o := range r.submitted {
		o.Cancel()
	}
	close(r.stopCh)
	r.mu.Unlock()

	return waitBounded(&r.wg, timeout)
}

func waitBounded(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
