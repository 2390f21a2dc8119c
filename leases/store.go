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
package leases

import (
	"context"
	"errors"
)

var (
	// ErrTokenMismatch is returned by a lease store when the supplied
	// concurrency token no longer matches the store's current token for the
	// lease. Another owner won the race, or the lease was already updated
	// elsewhere.
	ErrTokenMismatch = errors.New("lease concurrency token mismatch")

	// ErrLeaseNotFound is returned by a lease store when the lease no longer
	// exists.
	ErrLeaseNotFound = errors.New("lease not found")
)

// LeaseStore is the external source of truth for lease ownership. The renewer
// assumes nothing about the store beyond its conditional-write contract: a
// write succeeds iff the supplied concurrency token currently matches the
// store's token for that lease.
//
// Any error other than ErrTokenMismatch and ErrLeaseNotFound is treated as a
// transient infrastructure failure.
type LeaseStore interface {
	// RenewLease conditionally renews the lease, incrementing the stored
	// counter by 1. On success it returns the token the store assigned to
	// the write.
	RenewLease(ctx context.Context, lease *Lease) (newToken string, err error)

	// UpdateLease conditionally persists the checkpoint against the lease,
	// incrementing the stored counter by 1. On success it returns the token
	// the store assigned to the write.
	UpdateLease(ctx context.Context, lease *Lease, checkpoint string, expectedToken string) (newToken string, err error)

	// ListLeasesOwnedBy returns all leases currently attributed to the owner.
	ListLeasesOwnedBy(ctx context.Context, owner string) ([]*Lease, error)
}
