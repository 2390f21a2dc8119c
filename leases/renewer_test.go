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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardkeeper/go-lease-renewer/config"
)

// fakeLeaseStore is an in-memory LeaseStore with the same conditional-write
// contract as the real one: a write succeeds iff the supplied token matches,
// and every successful write bumps the counter and mints a new token.
type storedLease struct {
	owner      string
	counter    int64
	token      string
	checkpoint string
}

type fakeLeaseStore struct {
	mutex    sync.Mutex
	leases   map[string]*storedLease
	tokenSeq int
	calls    int
	failAll  error
	failKeys map[string]error
}

func newFakeLeaseStore() *fakeLeaseStore {
	return &fakeLeaseStore{
		leases:   make(map[string]*storedLease),
		failKeys: make(map[string]error),
	}
}

func (s *fakeLeaseStore) nextToken() string {
	s.tokenSeq++
	return fmt.Sprintf("token-%d", s.tokenSeq)
}

func (s *fakeLeaseStore) createLease(key, owner string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.leases[key] = &storedLease{owner: owner, token: s.nextToken()}
}

// clientView returns the lease as a worker holding it would see it, with the
// store's current token. The renewal timestamp is left unset.
func (s *fakeLeaseStore) clientView(key string) *Lease {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	l := s.leases[key]
	return &Lease{
		LeaseKey:         key,
		LeaseOwner:       l.owner,
		LeaseCounter:     l.counter,
		ConcurrencyToken: l.token,
		Checkpoint:       l.checkpoint,
	}
}

// takeLease moves the lease to another owner, the way a lease taker would.
func (s *fakeLeaseStore) takeLease(key, newOwner string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	l := s.leases[key]
	l.owner = newOwner
	l.counter++
	l.token = s.nextToken()
}

// renewDirectly advances the stored counter and token without going through
// any renewer, leaving local registries unaware.
func (s *fakeLeaseStore) renewDirectly(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	l := s.leases[key]
	l.counter++
	l.token = s.nextToken()
}

func (s *fakeLeaseStore) counter(key string) int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.leases[key].counter
}

func (s *fakeLeaseStore) callCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.calls
}

func (s *fakeLeaseStore) write(key, expectedToken string, checkpoint *string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls++

	if s.failAll != nil {
		return "", s.failAll
	}
	if err := s.failKeys[key]; err != nil {
		return "", err
	}
	l, ok := s.leases[key]
	if !ok {
		return "", ErrLeaseNotFound
	}
	if l.token != expectedToken {
		return "", ErrTokenMismatch
	}

	l.counter++
	l.token = s.nextToken()
	if checkpoint != nil {
		l.checkpoint = *checkpoint
	}
	return l.token, nil
}

func (s *fakeLeaseStore) RenewLease(ctx context.Context, lease *Lease) (string, error) {
	return s.write(lease.LeaseKey, lease.ConcurrencyToken, nil)
}

func (s *fakeLeaseStore) UpdateLease(ctx context.Context, lease *Lease, checkpoint string, expectedToken string) (string, error) {
	return s.write(lease.LeaseKey, expectedToken, &checkpoint)
}

func (s *fakeLeaseStore) ListLeasesOwnedBy(ctx context.Context, owner string) ([]*Lease, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls++

	if s.failAll != nil {
		return nil, s.failAll
	}
	var owned []*Lease
	for key, l := range s.leases {
		if l.owner != owner {
			continue
		}
		owned = append(owned, &Lease{
			LeaseKey:         key,
			LeaseOwner:       l.owner,
			LeaseCounter:     l.counter,
			ConcurrencyToken: l.token,
			Checkpoint:       l.checkpoint,
		})
	}
	return owned, nil
}

type renewerHarness struct {
	t       *testing.T
	store   *fakeLeaseStore
	renewer *LeaseRenewer
}

func newRenewerHarness(t *testing.T, renewerConfig *config.LeaseRenewerConfiguration) *renewerHarness {
	store := newFakeLeaseStore()
	return &renewerHarness{
		t:       t,
		store:   store,
		renewer: NewLeaseRenewer(store, renewerConfig),
	}
}

func testConfig() *config.LeaseRenewerConfiguration {
	return config.NewLeaseRenewerConfig("renewer-test", "LeaseTable", "us-west-2", "foo")
}

func (h *renewerHarness) addLeasesToRenew(keys ...string) {
	toAdd := make([]*Lease, 0, len(keys))
	for _, key := range keys {
		lease := h.store.clientView(key)
		lease.LastRenewalNanos = nowNanos()
		toAdd = append(toAdd, lease)
	}
	h.renewer.AddLeasesToRenew(toAdd)
}

// renewAndAssertHeld runs one renewal pass and asserts exactly the given
// leases remain held, each with its counter bumped by 1 and a new token.
func (h *renewerHarness) renewAndAssertHeld(keys ...string) map[string]*Lease {
	before := h.renewer.GetCurrentlyHeldLeases()
	assert.NoError(h.t, h.renewer.RenewLeases(context.Background()))

	held := h.renewer.GetCurrentlyHeldLeases()
	assert.Len(h.t, held, len(keys))
	for _, key := range keys {
		lease := held[key]
		if !assert.NotNil(h.t, lease, "expected lease %s to be held", key) {
			continue
		}
		if prev, ok := before[key]; ok {
			assert.Equal(h.t, prev.LeaseCounter+1, lease.LeaseCounter)
			assert.NotEqual(h.t, prev.ConcurrencyToken, lease.ConcurrencyToken)
		}
	}
	return held
}

func TestRenewSingleLease(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")

	h.addLeasesToRenew("1")
	h.renewAndAssertHeld("1")

	assert.Equal(t, int64(1), h.store.counter("1"))
}

func TestLeaseLossToAnotherOwner(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")
	h.store.createLease("2", "foo")

	h.addLeasesToRenew("1", "2")
	h.renewAndAssertHeld("1", "2")

	// lose lease 2
	h.store.takeLease("2", "bar")

	h.renewAndAssertHeld("1")
	assert.Nil(t, h.renewer.GetCurrentlyHeldLease("2"))
}

func TestClearHeldLeases(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")

	h.addLeasesToRenew("1")
	h.renewAndAssertHeld("1")

	h.renewer.ClearCurrentlyHeldLeases()
	h.renewAndAssertHeld()

	// Clearing is local only; the store was not touched again.
	assert.Equal(t, int64(1), h.store.counter("1"))
}

func TestHeldLeaseCopyDoesNotTick(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")

	h.addLeasesToRenew("1")
	h.renewAndAssertHeld("1")

	// this should be a copy that does not get updated
	fetched := h.renewer.GetCurrentlyHeldLease("1")
	require.NotNil(t, fetched)
	assert.Equal(t, int64(1), fetched.LeaseCounter)

	h.renewAndAssertHeld("1")
	assert.Equal(t, int64(1), fetched.LeaseCounter)
	assert.Equal(t, int64(2), h.renewer.GetCurrentlyHeldLease("1").LeaseCounter)
}

func TestHeldLeasesSnapshotIndependent(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")
	h.store.createLease("2", "foo")

	h.addLeasesToRenew("1", "2")
	h.renewAndAssertHeld("1", "2")

	snapshot := h.renewer.GetCurrentlyHeldLeases()
	assert.Len(t, snapshot, 2)
	assert.Equal(t, int64(1), snapshot["1"].LeaseCounter)
	assert.Equal(t, int64(1), snapshot["2"].LeaseCounter)

	// lose lease 2 and renew again; the snapshot must not change
	h.store.takeLease("2", "bar")
	h.renewAndAssertHeld("1")

	assert.Len(t, snapshot, 2)
	assert.Equal(t, int64(1), snapshot["1"].LeaseCounter)
	assert.Equal(t, int64(1), snapshot["2"].LeaseCounter)
}

func TestUpdateLease(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")

	h.addLeasesToRenew("1")
	h.renewAndAssertHeld("1")

	fetched := h.renewer.GetCurrentlyHeldLease("1")
	fetched.Checkpoint = "new checkpoint"

	ok, err := h.renewer.UpdateLease(context.Background(), fetched, fetched.ConcurrencyToken)
	assert.NoError(t, err)
	assert.True(t, ok)

	// counter, token and checkpoint have changed immediately after the update...
	after := h.renewer.GetCurrentlyHeldLease("1")
	assert.Equal(t, fetched.LeaseCounter+1, after.LeaseCounter)
	assert.NotEqual(t, fetched.ConcurrencyToken, after.ConcurrencyToken)
	assert.Equal(t, "new checkpoint", after.Checkpoint)

	// ...and survive another round of renewal
	h.renewAndAssertHeld("1")
	again := h.renewer.GetCurrentlyHeldLease("1")
	assert.Equal(t, after.LeaseCounter+1, again.LeaseCounter)
	assert.Equal(t, "new checkpoint", again.Checkpoint)
}

func TestUpdateLostLease(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")

	h.addLeasesToRenew("1")
	h.renewAndAssertHeld("1")

	fetched := h.renewer.GetCurrentlyHeldLease("1")

	// cause lease loss the renewer has not noticed yet: the store's token
	// moves on while the registry copy still matches the caller's
	h.store.renewDirectly("1")
	require.NotNil(t, h.renewer.GetCurrentlyHeldLease("1"))

	fetched.Checkpoint = "new checkpoint"
	ok, err := h.renewer.UpdateLease(context.Background(), fetched, fetched.ConcurrencyToken)
	assert.NoError(t, err)
	assert.False(t, ok)

	// the renewer no longer believes it holds the lease
	assert.Nil(t, h.renewer.GetCurrentlyHeldLease("1"))
}

func TestUpdateOldLease(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")

	h.addLeasesToRenew("1")
	h.renewAndAssertHeld("1")

	fetched := h.renewer.GetCurrentlyHeldLease("1")

	// lose the lease and let the renewer notice
	h.store.takeLease("1", "bar")
	h.renewAndAssertHeld()

	fetched.Checkpoint = "new checkpoint"
	ok, err := h.renewer.UpdateLease(context.Background(), fetched, fetched.ConcurrencyToken)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, len(h.renewer.GetCurrentlyHeldLeases()))
}

func TestUpdateRegainedLease(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")

	h.addLeasesToRenew("1")
	h.renewAndAssertHeld("1")

	fetched := h.renewer.GetCurrentlyHeldLease("1")

	// lose the lease, let the renewer notice, then regain it
	h.store.takeLease("1", "bar")
	h.renewAndAssertHeld()
	h.store.takeLease("1", "foo")
	h.addLeasesToRenew("1")

	// the update against the pre-loss token must fail fast, and the regained
	// lease must stay in the held set
	fetched.Checkpoint = "new checkpoint"
	ok, err := h.renewer.UpdateLease(context.Background(), fetched, fetched.ConcurrencyToken)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NotNil(t, h.renewer.GetCurrentlyHeldLease("1"))
}

func TestIgnoreLeaseWithoutRenewalTimestamp(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")

	// clientView leaves LastRenewalNanos unset
	h.renewer.AddLeasesToRenew([]*Lease{h.store.clientView("1")})

	assert.Equal(t, 0, len(h.renewer.GetCurrentlyHeldLeases()))
}

func TestLeaseTimeout(t *testing.T) {
	renewerConfig := testConfig().WithLeaseDurationMillis(50)
	h := newRenewerHarness(t, renewerConfig)
	h.store.createLease("1", "foo")

	h.addLeasesToRenew("1")
	h.renewAndAssertHeld("1")

	// break the store entirely; expiry detection must not need it
	h.store.mutex.Lock()
	h.store.failAll = errors.New("store unavailable")
	h.store.mutex.Unlock()
	callsBefore := h.store.callCount()

	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 0, len(h.renewer.GetCurrentlyHeldLeases()))
	assert.Nil(t, h.renewer.GetCurrentlyHeldLease("1"))

	// the next pass evicts the expired lease without a store round trip
	assert.NoError(t, h.renewer.RenewLeases(context.Background()))
	assert.Equal(t, 0, len(h.renewer.GetCurrentlyHeldLeases()))
	assert.Equal(t, callsBefore, h.store.callCount())
}

func TestInitialize(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("shd-0-0", "foo")
	h.store.createLease("shd-0-1", "foo")
	h.store.createLease("shd-0-2", "bar")

	require.NoError(t, h.renewer.Initialize(context.Background()))

	held := h.renewer.GetCurrentlyHeldLeases()
	assert.Len(t, held, 2)
	assert.Contains(t, held, "shd-0-0")
	assert.Contains(t, held, "shd-0-1")

	h.renewAndAssertHeld("shd-0-0", "shd-0-1")
}

func TestInitializeStoreFailure(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.failAll = errors.New("store unavailable")

	assert.Error(t, h.renewer.Initialize(context.Background()))
	assert.Equal(t, 0, len(h.renewer.GetCurrentlyHeldLeases()))
}

func TestDropLease(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")
	h.store.createLease("2", "foo")

	h.addLeasesToRenew("1", "2")
	h.renewAndAssertHeld("1", "2")

	h.renewer.DropLease("2")
	h.renewAndAssertHeld("1")

	// dropping is local only
	assert.Equal(t, int64(1), h.store.counter("2"))
}

func TestRenewalPassIsolatesFailures(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")
	h.store.createLease("2", "foo")

	h.addLeasesToRenew("1", "2")
	h.renewAndAssertHeld("1", "2")

	// a transient failure on lease 2 must not disturb lease 1, and must not
	// evict lease 2 either
	h.store.mutex.Lock()
	h.store.failKeys["2"] = errors.New("throttled")
	h.store.mutex.Unlock()

	assert.NoError(t, h.renewer.RenewLeases(context.Background()))
	held := h.renewer.GetCurrentlyHeldLeases()
	require.Len(t, held, 2)
	assert.Equal(t, int64(2), held["1"].LeaseCounter)
	assert.Equal(t, int64(1), held["2"].LeaseCounter)

	// once the store recovers, the next pass renews both
	h.store.mutex.Lock()
	delete(h.store.failKeys, "2")
	h.store.mutex.Unlock()

	h.renewAndAssertHeld("1", "2")
}

func TestEvictOnStoreErrorPolicy(t *testing.T) {
	renewerConfig := testConfig().WithEvictOnStoreError(true)
	h := newRenewerHarness(t, renewerConfig)
	h.store.createLease("1", "foo")

	h.addLeasesToRenew("1")
	h.renewAndAssertHeld("1")

	h.store.mutex.Lock()
	h.store.failKeys["1"] = errors.New("throttled")
	h.store.mutex.Unlock()

	assert.NoError(t, h.renewer.RenewLeases(context.Background()))
	assert.Equal(t, 0, len(h.renewer.GetCurrentlyHeldLeases()))
}

func TestUpdateTransientStoreErrorKeepsLease(t *testing.T) {
	h := newRenewerHarness(t, testConfig())
	h.store.createLease("1", "foo")

	h.addLeasesToRenew("1")
	h.renewAndAssertHeld("1")

	fetched := h.renewer.GetCurrentlyHeldLease("1")
	fetched.Checkpoint = "new checkpoint"

	h.store.mutex.Lock()
	h.store.failKeys["1"] = errors.New("throttled")
	h.store.mutex.Unlock()

	ok, err := h.renewer.UpdateLease(context.Background(), fetched, fetched.ConcurrencyToken)
	assert.Error(t, err)
	assert.False(t, ok)

	// a transient failure is not a loss of ownership
	held := h.renewer.GetCurrentlyHeldLease("1")
	require.NotNil(t, held)
	assert.NotEqual(t, "new checkpoint", held.Checkpoint)
}

// hookedLeaseStore runs a callback between the store write and the renewer
// seeing its result, to stage results arriving against a changed registry.
type hookedLeaseStore struct {
	*fakeLeaseStore
	beforeRenewReturn func(leaseKey string)
}

func (s *hookedLeaseStore) RenewLease(ctx context.Context, lease *Lease) (string, error) {
	token, err := s.fakeLeaseStore.RenewLease(ctx, lease)
	if s.beforeRenewReturn != nil {
		s.beforeRenewReturn(lease.LeaseKey)
	}
	return token, err
}

func TestLateRenewalDoesNotResurrectDroppedLease(t *testing.T) {
	store := newFakeLeaseStore()
	hooked := &hookedLeaseStore{fakeLeaseStore: store}
	renewer := NewLeaseRenewer(hooked, testConfig())

	store.createLease("1", "foo")
	lease := store.clientView("1")
	lease.LastRenewalNanos = nowNanos()
	renewer.AddLeasesToRenew([]*Lease{lease})

	// the lease is dropped while its renewal is still in flight
	hooked.beforeRenewReturn = func(leaseKey string) {
		renewer.DropLease(leaseKey)
	}

	assert.NoError(t, renewer.RenewLeases(context.Background()))

	// the store write went through, but the late result must not bring the
	// dropped lease back
	assert.Equal(t, int64(1), store.counter("1"))
	assert.Nil(t, renewer.GetCurrentlyHeldLease("1"))
	assert.Equal(t, 0, len(renewer.GetCurrentlyHeldLeases()))
}

// blockingLeaseStore parks renewals of selected leases until the call's
// context is cancelled.
type blockingLeaseStore struct {
	*fakeLeaseStore
	blockKeys map[string]bool
}

func (s *blockingLeaseStore) RenewLease(ctx context.Context, lease *Lease) (string, error) {
	if s.blockKeys[lease.LeaseKey] {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.fakeLeaseStore.RenewLease(ctx, lease)
}

func TestRenewalPassDeadline(t *testing.T) {
	renewerConfig := testConfig().WithRenewalPassTimeoutMillis(50)
	store := newFakeLeaseStore()
	blocking := &blockingLeaseStore{fakeLeaseStore: store, blockKeys: map[string]bool{"2": true}}
	renewer := NewLeaseRenewer(blocking, renewerConfig)

	store.createLease("1", "foo")
	store.createLease("2", "foo")
	for _, key := range []string{"1", "2"} {
		lease := store.clientView(key)
		lease.LastRenewalNanos = nowNanos()
		renewer.AddLeasesToRenew([]*Lease{lease})
	}

	err := renewer.RenewLeases(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the stuck lease did not stall the others
	renewed := renewer.GetCurrentlyHeldLease("1")
	require.NotNil(t, renewed)
	assert.Equal(t, int64(1), renewed.LeaseCounter)
	assert.Equal(t, int64(1), store.counter("1"))

	// the cancelled call is a transient failure, not a loss of ownership
	stuck := renewer.GetCurrentlyHeldLease("2")
	require.NotNil(t, stuck)
	assert.Equal(t, int64(0), stuck.LeaseCounter)
	assert.Equal(t, int64(0), store.counter("2"))
}

func TestRenewalPassWorkerPoolCap(t *testing.T) {
	renewerConfig := testConfig().
		WithRenewalPassTimeoutMillis(50).
		WithMaxParallelRenewals(1)
	store := newFakeLeaseStore()
	blocking := &blockingLeaseStore{fakeLeaseStore: store, blockKeys: map[string]bool{"1": true}}
	renewer := NewLeaseRenewer(blocking, renewerConfig)

	store.createLease("1", "foo")
	store.createLease("2", "foo")
	for _, key := range []string{"1", "2"} {
		lease := store.clientView(key)
		lease.LastRenewalNanos = nowNanos()
		renewer.AddLeasesToRenew([]*Lease{lease})
	}

	err := renewer.RenewLeases(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// with a single worker slot the blocked lease can starve the pass, but a
	// skipped or cancelled renewal never costs a held lease
	assert.Len(t, renewer.GetCurrentlyHeldLeases(), 2)
	assert.LessOrEqual(t, store.callCount(), 1)
}

func TestRenewerRestart(t *testing.T) {
	renewerConfig := testConfig().
		WithRenewalIntervalMillis(10).
		WithRenewalPassTimeoutMillis(10)
	h := newRenewerHarness(t, renewerConfig)
	h.store.createLease("1", "foo")
	h.addLeasesToRenew("1")

	require.NoError(t, h.renewer.Start())
	time.Sleep(50 * time.Millisecond)
	h.renewer.Shutdown()
	afterFirst := h.store.counter("1")
	assert.Greater(t, afterFirst, int64(0))

	require.NoError(t, h.renewer.Start())
	time.Sleep(50 * time.Millisecond)
	h.renewer.Shutdown()
	afterSecond := h.store.counter("1")
	assert.Greater(t, afterSecond, afterFirst)

	// the second Shutdown really stopped the loop
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, afterSecond, h.store.counter("1"))
}
