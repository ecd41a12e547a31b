/*
 * Copyright (c) 2015, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package psiphon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CancelFlag is the stop request shared by the connection manager and its
// collaborators. It is the one piece of connection manager state accessed
// without the manager's lock. Blocking operations poll it with a bounded
// timeout; there is no other cancellation mechanism, so a stop is observed
// within one poll interval.
//
// The flag is level triggered: once set it remains set until Reset, which
// happens only when a new connection session starts.
type CancelFlag struct {
	flag atomic.Bool
}

func NewCancelFlag() *CancelFlag {
	return &CancelFlag{}
}

func (f *CancelFlag) Set() {
	f.flag.Store(true)
}

func (f *CancelFlag) Reset() {
	f.flag.Store(false)
}

func (f *CancelFlag) IsSet() bool {
	return f.flag.Load()
}

// WaitForSignal blocks until signal fires or pollInterval elapses, and then
// reports whether the wait was not cancelled. Callers loop on their own
// condition and stop looping when false is returned.
func (f *CancelFlag) WaitForSignal(signal <-chan struct{}, pollInterval time.Duration) bool {
	if f.IsSet() {
		return false
	}
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	select {
	case <-signal:
	case <-timer.C:
	}
	return !f.IsSet()
}

// Sleep blocks for duration, checking the flag every pollInterval. Returns
// false when the sleep was cut short by the flag.
func (f *CancelFlag) Sleep(duration, pollInterval time.Duration) bool {
	deadline := time.Now().Add(duration)
	for {
		if f.IsSet() {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}
		time.Sleep(remaining)
	}
}

// Context returns a context which is canceled once the flag is set, as
// observed by polling every pollInterval. The caller must call the returned
// cancel func to release the polling goroutine.
func (f *CancelFlag) Context(
	parent context.Context,
	pollInterval time.Duration) (context.Context, context.CancelFunc) {

	ctx, cancel := context.WithCancel(parent)
	if f.IsSet() {
		cancel()
		return ctx, cancel
	}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if f.IsSet() {
					cancel()
					return
				}
			}
		}
	}()

	return ctx, cancel
}

// stateChangeBroadcaster wakes all waiters on each state change. Waiters
// obtain the signal channel before reading the state they wait on, so a
// change between the read and the wait is not missed.
type stateChangeBroadcaster struct {
	mutex  sync.Mutex
	signal chan struct{}
}

func newStateChangeBroadcaster() *stateChangeBroadcaster {
	return &stateChangeBroadcaster{signal: make(chan struct{})}
}

func (b *stateChangeBroadcaster) Signal() <-chan struct{} {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.signal
}

func (b *stateChangeBroadcaster) Broadcast() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	close(b.signal)
	b.signal = make(chan struct{})
}
