package cache

import (
	"testing"
	"time"
)

func TestInMemoryTransactionRegistry(t *testing.T) {
	tr := newInMemoryTransactionRegistry(time.Minute, transactionEndedTTL)
	defer tr.Close()

	key := testKey("searchTweets")

	status, err := tr.Status(key)
	if err != nil {
		t.Fatalf("cannot fetch status: %s", err)
	}
	if !status.State.IsAbsent() {
		t.Fatalf("expected absent transaction")
	}

	if err := tr.Create(key); err != nil {
		t.Fatalf("cannot create transaction: %s", err)
	}
	status, _ = tr.Status(key)
	if !status.State.IsPending() {
		t.Fatalf("expected pending transaction")
	}

	if err := tr.Fail(key, "boom"); err != nil {
		t.Fatalf("cannot fail transaction: %s", err)
	}
	status, _ = tr.Status(key)
	if !status.State.IsFailed() || status.FailReason != "boom" {
		t.Fatalf("unexpected status: %+v", status)
	}

	if err := tr.Complete(key); err != nil {
		t.Fatalf("cannot complete transaction: %s", err)
	}
	status, _ = tr.Status(key)
	if !status.State.IsCompleted() {
		t.Fatalf("expected completed transaction")
	}
}

func TestInMemoryTransactionCleaner(t *testing.T) {
	tr := newInMemoryTransactionRegistry(150*time.Millisecond, 50*time.Millisecond)
	defer tr.Close()

	key := testKey("getProfile")
	if err := tr.Create(key); err != nil {
		t.Fatalf("cannot create transaction: %s", err)
	}

	// the cleaner must drop the record once its deadline passes
	time.Sleep(500 * time.Millisecond)
	status, err := tr.Status(key)
	if err != nil {
		t.Fatalf("cannot fetch status: %s", err)
	}
	if !status.State.IsAbsent() {
		t.Fatalf("expected expired transaction to be dropped; got %+v", status)
	}
}
