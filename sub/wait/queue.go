// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package wait runs periodic retry functions on a tapering schedule. The
// receipt service uses it to poll for transaction inclusion.
package wait

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"time"
)

// TryDirective is a response that a Waiter's TryFunc can return to instruct
// the queue to continue trying or to quit.
type TryDirective bool

const (
	// TryAgain, when returned from the Waiter's TryFunc, instructs the queue
	// to try again after the scheduled delay.
	TryAgain TryDirective = false
	// DontTryAgain, when returned from the Waiter's TryFunc, instructs the
	// queue to quit trying and quit tracking the Waiter.
	DontTryAgain TryDirective = true
)

// Waiter is a function to run on a tapering schedule until completion or
// expiration.
type Waiter struct {
	// Expiration time is checked after the function returns TryAgain. If the
	// current time is after Expiration, ExpireFunc will be run and the waiter
	// will be un-queued.
	Expiration time.Time
	// TryFunc is the function to run periodically until DontTryAgain is
	// returned or the Waiter expires.
	TryFunc func() TryDirective
	// ExpireFunc is run if the Waiter expires or the queue shuts down first.
	ExpireFunc func()
}

// tick speed is piecewise linear, constant at fastestInterval below
// fullSpeedTicks, linear from fastestInterval to slowestInterval between
// fullSpeedTicks and fullyTapered, and slowestInterval beyond that.
const (
	fullSpeedTicks = 3
	fullyTapered   = 15
)

type taperingWaiter struct {
	*Waiter
	tick     int
	nextTick time.Time
}

// waiterHeap orders waiters by their next tick, earliest first.
type waiterHeap []*taperingWaiter

func (h waiterHeap) Len() int            { return len(h) }
func (h waiterHeap) Less(i, j int) bool  { return h[i].nextTick.Before(h[j].nextTick) }
func (h waiterHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *waiterHeap) Push(x any)         { *h = append(*h, x.(*taperingWaiter)) }
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// TaperingTickerQueue is a queue that will run Waiters according to a
// tapering-delay schedule. The first attempts will be frequent, but if they
// are not successful, the delay between attempts will grow up to a
// configurable maximum.
type TaperingTickerQueue struct {
	fastestInterval time.Duration
	slowestInterval time.Duration
	queueWaiter     chan *taperingWaiter
	quit            chan struct{}

	mtx     sync.Mutex
	stopped bool
}

// NewTaperingTickerQueue is a constructor for a TaperingTickerQueue.
// Initially, attempts will be tried every fastestInterval. After
// fullSpeedTicks, the delays will be increased until they reach
// slowestInterval.
func NewTaperingTickerQueue(fastestInterval, slowestInterval time.Duration) *TaperingTickerQueue {
	return &TaperingTickerQueue{
		fastestInterval: fastestInterval,
		slowestInterval: slowestInterval,
		queueWaiter:     make(chan *taperingWaiter, 64),
		quit:            make(chan struct{}),
	}
}

// Wait queues the Waiter. TryFunc is not called synchronously; the run loop
// calls it in a goroutine as soon as possible. A Waiter that is already
// expired, or is queued after Run has returned, has its ExpireFunc run
// immediately.
func (q *TaperingTickerQueue) Wait(waiter *Waiter) {
	if time.Now().After(waiter.Expiration) {
		waiter.ExpireFunc()
		return
	}
	q.mtx.Lock()
	queued := !q.stopped
	if queued {
		select {
		case q.queueWaiter <- &taperingWaiter{Waiter: waiter, nextTick: time.Now()}:
		case <-q.quit:
			queued = false
		}
	}
	q.mtx.Unlock()
	if !queued {
		waiter.ExpireFunc()
	}
}

// stop expires waiters still sitting in the queue channel and any queued
// later. Wait holds mtx while it sends, so nothing is sent after the drain.
func (q *TaperingTickerQueue) stop() {
	close(q.quit)
	q.mtx.Lock()
	q.stopped = true
	q.mtx.Unlock()
	for {
		select {
		case w := <-q.queueWaiter:
			w.ExpireFunc()
		default:
			return
		}
	}
}

// Run runs the primary wait loop until the context is canceled. Run must
// only be called once.
func (q *TaperingTickerQueue) Run(ctx context.Context) {
	defer q.stop()
	var wg sync.WaitGroup
	defer wg.Wait()

	runWaiter := func(w *taperingWaiter) {
		defer wg.Done()

		if w.TryFunc() == DontTryAgain {
			return
		}
		now := time.Now()
		if !w.Expiration.After(now) {
			w.ExpireFunc()
			return
		}

		w.tick++
		w.nextTick = nextTick(w.tick, q.slowestInterval, q.fastestInterval, now, w.Expiration)

		select {
		case q.queueWaiter <- w:
		case <-ctx.Done():
			w.ExpireFunc()
		}
	}

	waiters := make(waiterHeap, 0, 64)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var tick <-chan time.Time
		if len(waiters) > 0 {
			timer.Reset(time.Until(waiters[0].nextTick))
			tick = timer.C
		}

		select {
		case <-tick:
			w := heap.Pop(&waiters).(*taperingWaiter)
			wg.Add(1)
			go runWaiter(w)

		case w := <-q.queueWaiter:
			timer.Stop()
			if time.Until(w.nextTick) <= 0 {
				wg.Add(1)
				go runWaiter(w)
				continue
			}
			heap.Push(&waiters, w)

		case <-ctx.Done():
			for _, w := range waiters {
				w.ExpireFunc()
			}
			return
		}
	}
}

func nextTick(ticksPassed int, slowestInterval, fastestInterval time.Duration,
	now, expiration time.Time) time.Time {
	var nextTickTime time.Time
	switch {
	case ticksPassed < fullSpeedTicks:
		nextTickTime = now.Add(fastestInterval)
	case ticksPassed < fullyTapered:
		prog := float64(ticksPassed+1-fullSpeedTicks) / (fullyTapered - fullSpeedTicks)
		taper := float64(slowestInterval - fastestInterval)
		interval := fastestInterval + time.Duration(math.Round(prog*taper))
		nextTickTime = now.Add(interval)
	default:
		nextTickTime = now.Add(slowestInterval)
	}

	if nextTickTime.After(expiration) {
		return expiration
	}
	return nextTickTime
}
