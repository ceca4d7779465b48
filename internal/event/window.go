// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package event

import "time"

// slidingWindow is a bucketed rolling counter used to track per-source event
// rates without keeping individual timestamps. The window is divided into
// fixed buckets and expired buckets are cleared lazily on access.
//
// Complexity: Increment O(1), Count O(k) for k buckets. Not goroutine-safe;
// the store's lock guards all access.
type slidingWindow struct {
	buckets    []int64
	bucketSize time.Duration
	numBuckets int
	current    int
	lastSeen   time.Time
}

// newSlidingWindow creates a rolling counter covering windowSize split into
// numBuckets buckets.
func newSlidingWindow(windowSize time.Duration, numBuckets int, now time.Time) *slidingWindow {
	if numBuckets <= 0 {
		numBuckets = 12
	}
	if windowSize <= 0 {
		windowSize = time.Hour
	}
	return &slidingWindow{
		buckets:    make([]int64, numBuckets),
		bucketSize: windowSize / time.Duration(numBuckets),
		numBuckets: numBuckets,
		lastSeen:   now,
	}
}

// Increment adds one to the bucket covering now.
func (w *slidingWindow) Increment(now time.Time) {
	w.advance(now)
	w.buckets[w.current]++
}

// Count returns the total across all live buckets as of now.
func (w *slidingWindow) Count(now time.Time) int64 {
	w.advance(now)
	var total int64
	for _, c := range w.buckets {
		total += c
	}
	return total
}

// Idle reports whether the window holds no live counts as of now.
func (w *slidingWindow) Idle(now time.Time) bool {
	return w.Count(now) == 0
}

// advance rotates the circular buffer, clearing buckets that fell out of the
// window since the last access.
func (w *slidingWindow) advance(now time.Time) {
	elapsed := now.Sub(w.lastSeen)
	if elapsed <= 0 {
		return
	}

	steps := int(elapsed / w.bucketSize)
	if steps <= 0 {
		return
	}
	if steps >= w.numBuckets {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
		w.current = 0
		w.lastSeen = now
		return
	}

	for i := 0; i < steps; i++ {
		w.current = (w.current + 1) % w.numBuckets
		w.buckets[w.current] = 0
	}
	w.lastSeen = w.lastSeen.Add(time.Duration(steps) * w.bucketSize)
}
