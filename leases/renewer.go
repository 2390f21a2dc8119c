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
	"fmt"
	"sync"
	"time"

	"github.com/shardkeeper/go-lease-renewer/config"
	"github.com/shardkeeper/go-lease-renewer/metrics"

	"github.com/shardkeeper/go-lease-renewer/logger"
)

/**
 * LeaseRenewer keeps the leases held by one worker alive. It maintains the
 * worker's authoritative in-memory view of held leases, periodically renews
 * each of them against the lease store, detects and evicts lost leases, and
 * applies out-of-band checkpoint updates through the same conditional-write
 * contract.
 *
 * Every lease returned by a getter is a deep copy; its counter will not tick.
 */
type LeaseRenewer struct {
	store         LeaseStore
	owner         string
	renewerConfig *config.LeaseRenewerConfiguration
	log           logger.Logger
	mService      metrics.MonitoringService

	leaseDurationNanos int64
	renewalInterval    time.Duration
	passTimeout        time.Duration
	maxParallel        int
	evictOnStoreError  bool

	// mutex is the single consistency boundary for heldLeases. Every access,
	// including the application of store call results, goes through it.
	mutex      sync.Mutex
	heldLeases map[string]*Lease

	stop      chan struct{}
	waitGroup sync.WaitGroup
	done      bool
}

// NewLeaseRenewer constructs a LeaseRenewer for the worker identified by the
// configuration's WorkerID, backed by the given lease store.
func NewLeaseRenewer(store LeaseStore, renewerConfig *config.LeaseRenewerConfiguration) *LeaseRenewer {
	mService := renewerConfig.MonitoringService
	if mService == nil {
		// Replaces nil with noop monitor service (not emitting any metrics).
		mService = metrics.NoopMonitoringService{}
	}

	return &LeaseRenewer{
		store:              store,
		owner:              renewerConfig.WorkerID,
		renewerConfig:      renewerConfig,
		log:                renewerConfig.Logger,
		mService:           mService,
		leaseDurationNanos: int64(time.Duration(renewerConfig.LeaseDurationMillis) * time.Millisecond),
		renewalInterval:    time.Duration(renewerConfig.RenewalIntervalMillis) * time.Millisecond,
		passTimeout:        time.Duration(renewerConfig.RenewalPassTimeoutMillis) * time.Millisecond,
		maxParallel:        renewerConfig.MaxParallelRenewals,
		evictOnStoreError:  renewerConfig.EvictOnStoreError,
		heldLeases:         make(map[string]*Lease),
	}
}

// Initialize seeds the held-lease set with the leases the store currently
// attributes to this worker, stamping renewal timestamps as of now. Used at
// startup to resume ownership across restarts without re-acquiring leases.
func (lr *LeaseRenewer) Initialize(ctx context.Context) error {
	owned, err := lr.store.ListLeasesOwnedBy(ctx, lr.owner)
	if err != nil {
		return fmt.Errorf("listing leases owned by %s: %w", lr.owner, err)
	}

	now := nowNanos()
	for _, lease := range owned {
		lease.LastRenewalNanos = now
	}
	lr.AddLeasesToRenew(owned)

	lr.log.Infof("Worker %s initialized with %d leases", lr.owner, len(owned))
	return nil
}

// AddLeasesToRenew adds leases to this renewer's set of currently held
// leases. Leases must carry a renewal timestamp proving they were confirmed
// as held; leases without one are ignored, since they have no freshness basis
// for local expiry detection. The registry stamps its own timestamp as of now.
func (lr *LeaseRenewer) AddLeasesToRenew(newLeases []*Lease) {
	lr.mutex.Lock()
	defer lr.mutex.Unlock()

	for _, lease := range newLeases {
		if lease == nil {
			continue
		}
		if lease.LastRenewalNanos == 0 {
			lr.log.Warnf("Ignoring lease %s without renewal timestamp", lease.LeaseKey)
			continue
		}

		held := lease.Clone()
		held.LastRenewalNanos = nowNanos()
		if _, ok := lr.heldLeases[held.LeaseKey]; !ok {
			lr.mService.LeaseGained(held.LeaseKey)
		}
		lr.heldLeases[held.LeaseKey] = held
	}
}

// GetCurrentlyHeldLease returns a deep copy of a currently held lease, or nil
// if this worker does not hold the lease. A lease is currently held if it was
// successfully renewed on the last pass and its freshness window has not elapsed.
func (lr *LeaseRenewer) GetCurrentlyHeldLease(leaseKey string) *Lease {
	lr.mutex.Lock()
	defer lr.mutex.Unlock()

	held, ok := lr.heldLeases[leaseKey]
	if !ok || held.IsExpired(lr.leaseDurationNanos, nowNanos()) {
		return nil
	}
	return held.Clone()
}

// GetCurrentlyHeldLeases returns the currently held leases keyed by lease key.
// The map and the leases in it are deep copies.
func (lr *LeaseRenewer) GetCurrentlyHeldLeases() map[string]*Lease {
	lr.mutex.Lock()
	defer lr.mutex.Unlock()

	now := nowNanos()
	result := make(map[string]*Lease, len(lr.heldLeases))
	for key, held := range lr.heldLeases {
		if held.IsExpired(lr.leaseDurationNanos, now) {
			continue
		}
		result[key] = held.Clone()
	}
	return result
}

// ClearCurrentlyHeldLeases drops all held leases without contacting the
// store, e.g. when the worker voluntarily releases ownership on shutdown.
func (lr *LeaseRenewer) ClearCurrentlyHeldLeases() {
	lr.mutex.Lock()
	keys := make([]string, 0, len(lr.heldLeases))
	for key := range lr.heldLeases {
		keys = append(keys, key)
	}
	lr.heldLeases = make(map[string]*Lease)
	lr.mutex.Unlock()

	for _, key := range keys {
		lr.mService.LeaseLost(key)
	}
	lr.log.Infof("Worker %s cleared %d held leases", lr.owner, len(keys))
}

// DropLease stops maintaining the given lease without contacting the store.
func (lr *LeaseRenewer) DropLease(leaseKey string) {
	lr.evictLease(leaseKey, "", "dropped by caller")
}

// RenewLeases attempts to renew all currently held leases in parallel,
// bounded by the configured worker pool and pass deadline. Individual lease
// failures are isolated from one another. Returns an error only when the pass
// is cut short by its deadline or by the caller's context; store calls still
// in flight at that point are cancelled, and any that complete anyway are
// applied through the same token-checked path as everything else.
func (lr *LeaseRenewer) RenewLeases(ctx context.Context) error {
	held := lr.heldLeaseSnapshot()
	if len(held) == 0 {
		return nil
	}

	startTime := time.Now()
	passCtx, cancel := context.WithTimeout(ctx, lr.passTimeout)
	defer cancel()

	maxParallel := lr.maxParallel
	if maxParallel > len(held) {
		maxParallel = len(held)
	}
	sem := make(chan struct{}, maxParallel)

	var wg sync.WaitGroup
	for _, lease := range held {
		wg.Add(1)
		go func(lease *Lease) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-passCtx.Done():
				return
			}
			lr.renewLease(passCtx, lease)
		}(lease)
	}

	joined := make(chan struct{})
	go func() {
		wg.Wait()
		close(joined)
	}()

	var err error
	select {
	case <-joined:
	case <-passCtx.Done():
		err = passCtx.Err()
		lr.log.Warnf("Worker %s renewal pass cut short: %+v", lr.owner, err)
	}

	lr.mService.RecordRenewalPassTime(float64(time.Since(startTime).Milliseconds()))
	return err
}

// UpdateLease persists application state (the checkpoint) carried on the
// given lease. Cannot be used to update internal fields such as the lease
// counter or owner. Fails without a store call if this worker does not hold
// the lease or the concurrency token does not match the authoritative copy,
// i.e. the lease was lost and possibly re-acquired since the caller fetched it.
//
// A false result without an error means the lease is no longer (or never was)
// in the held set; the caller must not assume continued ownership. A non-nil
// error indicates a transient store failure and the lease remains held.
func (lr *LeaseRenewer) UpdateLease(ctx context.Context, lease *Lease, concurrencyToken string) (bool, error) {
	if lease == nil {
		return false, nil
	}

	lr.mutex.Lock()
	held, ok := lr.heldLeases[lease.LeaseKey]
	heldToken := ""
	if ok {
		heldToken = held.ConcurrencyToken
	}
	lr.mutex.Unlock()

	if !ok || heldToken != concurrencyToken {
		lr.log.Warnf("Worker %s cannot update lease %s: not held or concurrency token out of date", lr.owner, lease.LeaseKey)
		return false, nil
	}

	newToken, err := lr.store.UpdateLease(ctx, lease, lease.Checkpoint, concurrencyToken)
	switch {
	case err == nil:
		if !lr.applyWrite(lease.LeaseKey, concurrencyToken, newToken, &lease.Checkpoint) {
			// Evicted between the store write and now; ownership is gone.
			return false, nil
		}
		lr.mService.CheckpointSaved(lease.LeaseKey)
		return true, nil
	case errors.Is(err, ErrTokenMismatch), errors.Is(err, ErrLeaseNotFound):
		// The caller's view was already stale: the store moved on without us.
		lr.evictLease(lease.LeaseKey, concurrencyToken, "update rejected by lease store")
		return false, nil
	default:
		return false, fmt.Errorf("updating lease %s: %w", lease.LeaseKey, err)
	}
}

// Start begins driving periodic renewal passes until Shutdown is called.
func (lr *LeaseRenewer) Start() error {
	err := lr.mService.Init(lr.renewerConfig.ApplicationName, lr.renewerConfig.TableName, lr.owner)
	if err != nil {
		lr.log.Errorf("Failed to initialize monitoring service: %+v", err)
	}
	if err := lr.mService.Start(); err != nil {
		lr.log.Errorf("Failed to start monitoring service: %+v", err)
		return err
	}

	lr.stop = make(chan struct{})
	lr.done = false
	lr.waitGroup.Add(1)
	go func() {
		defer lr.waitGroup.Done()
		lr.renewalLoop()
	}()

	lr.log.Infof("Worker %s renewing leases every %v", lr.owner, lr.renewalInterval)
	return nil
}

// Shutdown stops the renewal loop and waits for the in-flight pass to finish.
// Held leases are left in place; callers that want to release ownership call
// ClearCurrentlyHeldLeases as well.
func (lr *LeaseRenewer) Shutdown() {
	if lr.done || lr.stop == nil {
		return
	}

	close(lr.stop)
	lr.done = true
	lr.waitGroup.Wait()

	lr.mService.Shutdown()
	lr.log.Infof("Worker %s renewal loop is complete", lr.owner)
}

func (lr *LeaseRenewer) renewalLoop() {
	ticker := time.NewTicker(lr.renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lr.stop:
			return
		case <-ticker.C:
			if err := lr.RenewLeases(context.Background()); err != nil {
				lr.log.Errorf("Worker %s renewal pass did not complete: %+v", lr.owner, err)
			}
		}
	}
}

// renewLease runs the per-lease renewal protocol against the snapshot copy
// taken at the start of the pass.
func (lr *LeaseRenewer) renewLease(ctx context.Context, lease *Lease) {
	if lease.IsExpired(lr.leaseDurationNanos, nowNanos()) {
		// Presumed lost on the store side; no round trip needed.
		lr.evictLease(lease.LeaseKey, lease.ConcurrencyToken, "lease duration elapsed without renewal")
		return
	}

	newToken, err := lr.store.RenewLease(ctx, lease)
	switch {
	case err == nil:
		if lr.applyWrite(lease.LeaseKey, lease.ConcurrencyToken, newToken, nil) {
			lr.mService.LeaseRenewed(lease.LeaseKey)
		}
	case errors.Is(err, ErrTokenMismatch), errors.Is(err, ErrLeaseNotFound):
		lr.evictLease(lease.LeaseKey, lease.ConcurrencyToken, "no longer owned according to lease store")
	default:
		if lr.evictOnStoreError {
			lr.evictLease(lease.LeaseKey, lease.ConcurrencyToken, fmt.Sprintf("store error: %v", err))
			return
		}
		lr.log.Warnf("Worker %s failed to renew lease %s, will retry on next pass: %+v", lr.owner, lease.LeaseKey, err)
	}
}

func (lr *LeaseRenewer) heldLeaseSnapshot() []*Lease {
	lr.mutex.Lock()
	defer lr.mutex.Unlock()

	snapshot := make([]*Lease, 0, len(lr.heldLeases))
	for _, held := range lr.heldLeases {
		snapshot = append(snapshot, held.Clone())
	}
	return snapshot
}

// applyWrite applies a store-confirmed write to the held lease, but only if
// the registry entry still matches the token the write was issued against.
// The compare prevents a late-arriving stale response from resurrecting an
// already-evicted or already-updated lease.
func (lr *LeaseRenewer) applyWrite(leaseKey, issuedToken, newToken string, checkpoint *string) bool {
	lr.mutex.Lock()
	defer lr.mutex.Unlock()

	held, ok := lr.heldLeases[leaseKey]
	if !ok || held.ConcurrencyToken != issuedToken {
		return false
	}

	held.LeaseCounter++
	held.ConcurrencyToken = newToken
	held.LastRenewalNanos = nowNanos()
	if checkpoint != nil {
		held.Checkpoint = *checkpoint
	}
	return true
}

// evictLease removes the lease from the held set. When issuedToken is
// non-empty, eviction only happens if the entry still carries that token, so
// a lease dropped and re-acquired in the meantime is left alone.
func (lr *LeaseRenewer) evictLease(leaseKey, issuedToken, reason string) bool {
	lr.mutex.Lock()
	held, ok := lr.heldLeases[leaseKey]
	if !ok || (issuedToken != "" && held.ConcurrencyToken != issuedToken) {
		lr.mutex.Unlock()
		return false
	}
	delete(lr.heldLeases, leaseKey)
	lr.mutex.Unlock()

	lr.log.Infof("Worker %s evicted lease %s: %s", lr.owner, leaseKey, reason)
	lr.mService.LeaseLost(leaseKey)
	return true
}
