package cache

import (
	"context"
	"path/filepath"
	"sync"
	"time"
)

// fakeClient is an in-memory stand-in for the coordination cache, used in
// package tests that would otherwise need a live Redis. Its shape mirrors
// coredhcp's transient.LeaseStore: a single mutex guarding a map of entries,
// plus a background ticker that expires entries past their deadline, rather
// than a real keyspace-notification mechanism.
type fakeClient struct {
	mu       sync.Mutex
	strings  map[string]fakeEntry
	hashes   map[string]fakeHashEntry
	sets     map[string]map[string]struct{}
	down     bool
	stopOnce sync.Once
	stopCh   chan struct{}
	subs     []*expirySub
}

// expirySub is a single SubscribeExpired listener, matched against a glob
// pattern as each string key expires out of the sweep.
type expirySub struct {
	pattern string
	ch      chan string
}

type fakeEntry struct {
	value    string
	deadline time.Time
}

type fakeHashEntry struct {
	fields   map[string]string
	deadline time.Time
}

// NewFakeClient returns an in-memory Client with a background sweep of
// expired keys, for use in tests.
func NewFakeClient() *fakeClient {
	f := &fakeClient{
		strings: make(map[string]fakeEntry),
		hashes:  make(map[string]fakeHashEntry),
		sets:    make(map[string]map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
	go f.expireTask(100 * time.Millisecond)
	return f
}

// Close stops the background expiry goroutine.
func (f *fakeClient) Close() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// SetDown flips the fake into (or out of) an unreachable state, so tests can
// exercise the circuit breaker and direct-path fallback behavior.
func (f *fakeClient) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeClient) expireTask(period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			f.sweep()
		case <-f.stopCh:
			return
		}
	}
}

func (f *fakeClient) sweep() {
	now := time.Now()
	f.mu.Lock()
	var expired []string
	for k, v := range f.strings {
		if !v.deadline.IsZero() && now.After(v.deadline) {
			delete(f.strings, k)
			expired = append(expired, k)
		}
	}
	for k, v := range f.hashes {
		if !v.deadline.IsZero() && now.After(v.deadline) {
			delete(f.hashes, k)
		}
	}
	subs := append([]*expirySub(nil), f.subs...)
	f.mu.Unlock()

	for _, k := range expired {
		for _, sub := range subs {
			if ok, _ := filepath.Match(sub.pattern, k); !ok {
				continue
			}
			select {
			case sub.ch <- k:
			default:
			}
		}
	}
}

func (f *fakeClient) checkDown() error {
	if f.down {
		return ErrUnavailable
	}
	return nil
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkDown()
}

func (f *fakeClient) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return false, err
	}
	if e, ok := f.strings[key]; ok && (e.deadline.IsZero() || time.Now().Before(e.deadline)) {
		return false, nil
	}
	f.strings[key] = fakeEntry{value: owner, deadline: time.Now().Add(ttl)}
	return true, nil
}

func (f *fakeClient) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return false, err
	}
	e, ok := f.strings[key]
	if !ok || e.value != owner {
		return false, nil
	}
	e.deadline = time.Now().Add(ttl)
	f.strings[key] = e
	return true, nil
}

func (f *fakeClient) ReleaseLease(ctx context.Context, key, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return false, err
	}
	e, ok := f.strings[key]
	if !ok || e.value != owner {
		return false, nil
	}
	delete(f.strings, key)
	return true, nil
}

func (f *fakeClient) SafeReleaseLease(ctx context.Context, key, metaKey, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return false, err
	}
	e, ok := f.strings[key]
	if !ok || e.value != owner {
		return false, nil
	}
	delete(f.strings, key)
	delete(f.hashes, metaKey)
	return true, nil
}

func (f *fakeClient) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return "", false, err
	}
	e, ok := f.strings[key]
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (f *fakeClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return nil, err
	}
	var out []string
	for k := range f.strings {
		if ok, _ := filepath.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(f.strings, k)
		delete(f.hashes, k)
	}
	return nil
}

func (f *fakeClient) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return err
	}
	existing, ok := f.hashes[key]
	if !ok {
		existing = fakeHashEntry{fields: make(map[string]string)}
	}
	for k, v := range fields {
		existing.fields[k] = v
	}
	if ttl > 0 {
		existing.deadline = time.Now().Add(ttl)
	}
	f.hashes[key] = existing
	return nil
}

func (f *fakeClient) HGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return nil, false, err
	}
	e, ok := f.hashes[key]
	if !ok || len(e.fields) == 0 {
		return nil, false, nil
	}
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out, true, nil
}

func (f *fakeClient) HDel(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return err
	}
	delete(f.hashes, key)
	return nil
}

func (f *fakeClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return err
	}
	if e, ok := f.strings[key]; ok {
		e.deadline = time.Now().Add(ttl)
		f.strings[key] = e
	}
	if e, ok := f.hashes[key]; ok {
		e.deadline = time.Now().Add(ttl)
		f.hashes[key] = e
	}
	return nil
}

func (f *fakeClient) SAdd(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return err
	}
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]struct{})
		f.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (f *fakeClient) SRem(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return err
	}
	set, ok := f.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(f.sets, key)
	}
	return nil
}

func (f *fakeClient) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return nil, err
	}
	set, ok := f.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeClient) HSetField(ctx context.Context, key, field, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return err
	}
	existing, ok := f.hashes[key]
	if !ok {
		existing = fakeHashEntry{fields: make(map[string]string)}
	}
	existing.fields[field] = value
	if ttl > 0 {
		existing.deadline = time.Now().Add(ttl)
	}
	f.hashes[key] = existing
	return nil
}

func (f *fakeClient) HGetField(ctx context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return "", false, err
	}
	e, ok := f.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := e.fields[field]
	return v, ok, nil
}

func (f *fakeClient) HDelField(ctx context.Context, key, field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkDown(); err != nil {
		return err
	}
	if e, ok := f.hashes[key]; ok {
		delete(e.fields, field)
	}
	return nil
}

// SubscribeExpired registers a listener notified from sweep() as string keys
// expire; it never fires for hash or set keys, matching Redis's own
// keyspace-notification behavior for compound types under this client's
// usage (leases are always plain strings).
func (f *fakeClient) SubscribeExpired(ctx context.Context, pattern string) (<-chan string, error) {
	sub := &expirySub{pattern: pattern, ch: make(chan string, 16)}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		for i, s := range f.subs {
			if s == sub {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}
