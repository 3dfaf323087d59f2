package app

import (
	"context"
	"math/big"
	"testing"
)

type fakeLocker struct {
	acquired bool
	err      error
	key      int64
	unlocked bool
}

func (f *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	f.key = key
	if f.err != nil {
		return nil, false, f.err
	}
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocked = true }, true, nil
}

func TestAcquireCycleLock(t *testing.T) {
	locker := &fakeLocker{acquired: true}
	unlock, err := acquireCycleLock(context.Background(), locker, 42)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if locker.key != 42 {
		t.Fatalf("unexpected lock key: %d", locker.key)
	}
	unlock()
	if !locker.unlocked {
		t.Fatal("unlock did not release the advisory lock")
	}
}

func TestAcquireCycleLockHeldElsewhere(t *testing.T) {
	locker := &fakeLocker{acquired: false}
	if _, err := acquireCycleLock(context.Background(), locker, 42); err == nil {
		t.Fatal("expected error when lock is held by another instance")
	}
}

func TestGweiToWei(t *testing.T) {
	if got := gweiToWei(50); got.Cmp(big.NewInt(50_000_000_000)) != 0 {
		t.Fatalf("unexpected wei value: %s", got)
	}
	if got := gweiToWei(0); got != nil {
		t.Fatalf("expected nil for zero fallback, got %s", got)
	}
}
