/*
 * Copyright (c) 2019 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

// Package leases keeps leases over partitioned units of work alive.
// Distributed systems may use leases to partition work across a fleet of
// workers. Each unit of work (identified by a lease key) has a corresponding
// lease persisted in a shared lease store. The worker holding a lease must
// renew it before it expires, or another worker may take it over.
package leases

import (
	"time"
)

// Leases older than this are always considered expired, whatever the
// configured lease duration.
const maxLeaseAgeNanos = int64(90 * 24 * time.Hour)

// Lease describes the ownership state of one unit of work.
type Lease struct {
	// LeaseKey identifies the unit of work associated with this lease.
	LeaseKey string

	// LeaseOwner is the worker currently claiming ownership, may be "".
	LeaseOwner string

	// LeaseCounter is incremented by the store on every successful
	// conditional write to the lease.
	LeaseCounter int64

	// ConcurrencyToken is regenerated by the store on every successful
	// conditional write. A write succeeds only if the caller's token matches
	// the store's current token, which prevents updates through leases that
	// were lost and re-acquired. Never compared across workers.
	ConcurrencyToken string

	// Checkpoint is an opaque application progress marker carried on the lease.
	Checkpoint string

	// LastRenewalNanos tracks the last time this worker renewed the lease,
	// as a monotonic clock reading. Deliberately not persisted in the store;
	// zero means the lease was never confirmed as held.
	LastRenewalNanos int64
}

// Clone returns an independent copy of the lease. Every lease crossing the
// renewer boundary is cloned so callers never alias internal state.
func (l *Lease) Clone() *Lease {
	c := *l
	return &c
}

// IsExpired reports whether the lease's local freshness window has elapsed
// as of the given monotonic reading. A lease with no renewal timestamp is
// always expired.
func (l *Lease) IsExpired(leaseDurationNanos, asOfNanos int64) bool {
	if l.LastRenewalNanos == 0 {
		return true
	}

	age := asOfNanos - l.LastRenewalNanos
	if age > maxLeaseAgeNanos {
		return true
	}
	return age >= leaseDurationNanos
}

// The renewer's expiry decisions must not be disturbed by wall-clock jumps,
// so renewal timestamps are readings of the monotonic clock: nanoseconds
// since an arbitrary process-local epoch. The offset keeps a reading taken
// immediately after process start distinct from the zero "never renewed"
// sentinel.
var monotonicEpoch = time.Now()

func nowNanos() int64 {
	return int64(time.Since(monotonicEpoch)) + int64(time.Second)
}
