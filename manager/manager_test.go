package manager

import (
	"testing"
	"time"

	"indexeddb/engine"
	"indexeddb/kvstore"
	"indexeddb/protocol"
	"indexeddb/txnpool"
)

func newTestManager(t *testing.T) (*Manager, chan<- protocol.Envelope) {
	t.Helper()
	env, err := kvstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { env.Close() })

	pool := txnpool.New(2)
	eng := engine.New(env, pool, nil)
	m, inbox := New(eng, pool, env)
	go m.Run()
	return m, inbox
}

func TestOpenAssignsVersionOnce(t *testing.T) {
	_, inbox := newTestManager(t)

	reply := make(chan protocol.OpenReply, 1)
	v := uint64(7)
	inbox <- protocol.Envelope{Sync: protocol.Open{Reply: reply, Origin: "a", Name: "db", Version: &v}}
	got := await(t, reply)
	if got.Version == nil || *got.Version != 7 {
		t.Fatalf("expected version 7, got %+v", got)
	}

	reply2 := make(chan protocol.OpenReply, 1)
	v2 := uint64(99)
	inbox <- protocol.Envelope{Sync: protocol.Open{Reply: reply2, Origin: "a", Name: "db", Version: &v2}}
	got2 := await(t, reply2)
	if *got2.Version != 7 {
		t.Fatalf("version must not change on a second Open, got %d", *got2.Version)
	}
}

func TestRegisterNewTxnMonotonic(t *testing.T) {
	_, inbox := newTestManager(t)

	var last uint64
	for i := 0; i < 5; i++ {
		reply := make(chan uint64, 1)
		inbox <- protocol.Envelope{Sync: protocol.RegisterNewTxn{Reply: reply}}
		got := await(t, reply)
		if got <= last {
			t.Fatalf("serial number did not increase: %d then %d", last, got)
		}
		last = got
	}
}

func TestCreateStoreAndKeyGenerator(t *testing.T) {
	_, inbox := newTestManager(t)

	errCh := make(chan error, 1)
	inbox <- protocol.Envelope{Sync: protocol.CreateObjectStore{
		Reply: errCh, Origin: "https://example.com", Store: "books", AutoIncrement: true,
	}}
	if err := await(t, errCh); err != nil {
		t.Fatalf("CreateObjectStore failed: %v", err)
	}

	hasCh := make(chan bool, 1)
	inbox <- protocol.Envelope{Sync: protocol.HasKeyGenerator{
		Reply: hasCh, Origin: "https://example.com", Store: "books",
	}}
	if has := await(t, hasCh); !has {
		t.Fatalf("expected key generator to be present")
	}
}

func TestHasKeyGeneratorUnknownStore(t *testing.T) {
	_, inbox := newTestManager(t)

	hasCh := make(chan bool, 1)
	inbox <- protocol.Envelope{Sync: protocol.HasKeyGenerator{
		Reply: hasCh, Origin: "https://example.com", Store: "nonexistent",
	}}
	if has := await(t, hasCh); has {
		t.Fatalf("unknown store must report false, not an error that looks like true")
	}
}

func TestAsyncPutGetRoundTrip(t *testing.T) {
	_, inbox := newTestManager(t)
	createStore(t, inbox, "https://example.com", "books")

	putReply := make(chan protocol.KVResult, 1)
	inbox <- protocol.Envelope{Async: &protocol.AsyncEnvelope{
		Txn:  1,
		Mode: protocol.Readwrite,
		Op: protocol.Put{
			Reply:     putReply,
			Ref:       protocol.StoreRef{Origin: "https://example.com", Store: "books"},
			Key:       protocol.TypedKey{Kind: protocol.KeyKindString, Bytes: []byte("moby-dick")},
			Value:     []byte("call me ishmael"),
			Overwrite: true,
		},
	}}
	putRes := await(t, putReply)
	if !putRes.Ok {
		t.Fatalf("Put failed: %+v", putRes)
	}

	getReply := make(chan protocol.KVResult, 1)
	inbox <- protocol.Envelope{Async: &protocol.AsyncEnvelope{
		Txn:  2,
		Mode: protocol.Readonly,
		Op: protocol.Get{
			Reply: getReply,
			Ref:   protocol.StoreRef{Origin: "https://example.com", Store: "books"},
			Key:   []byte("moby-dick"),
		},
	}}
	getRes := await(t, getReply)
	if !getRes.Ok || string(getRes.Value) != "call me ishmael" {
		t.Fatalf("Get did not round-trip the written value: %+v", getRes)
	}
}

func TestPutAddSemanticsRejectsExistingKey(t *testing.T) {
	_, inbox := newTestManager(t)
	createStore(t, inbox, "https://example.com", "books")

	put := func(txn uint64, overwrite bool) protocol.KVResult {
		reply := make(chan protocol.KVResult, 1)
		inbox <- protocol.Envelope{Async: &protocol.AsyncEnvelope{
			Txn:  txn,
			Mode: protocol.Readwrite,
			Op: protocol.Put{
				Reply:     reply,
				Ref:       protocol.StoreRef{Origin: "https://example.com", Store: "books"},
				Key:       protocol.TypedKey{Kind: protocol.KeyKindString, Bytes: []byte("dune")},
				Value:     []byte("v1"),
				Overwrite: overwrite,
			},
		}}
		return await(t, reply)
	}

	if res := put(10, false); !res.Ok {
		t.Fatalf("first add of a fresh key must succeed: %+v", res)
	}
	if res := put(11, false); res.Ok {
		t.Fatalf("add of an existing key must fail, got %+v", res)
	}
	if res := put(12, true); !res.Ok {
		t.Fatalf("overwrite of an existing key must succeed: %+v", res)
	}
}

func TestRemoveIsUnconditional(t *testing.T) {
	_, inbox := newTestManager(t)
	createStore(t, inbox, "https://example.com", "books")

	reply := make(chan protocol.KVResult, 1)
	inbox <- protocol.Envelope{Async: &protocol.AsyncEnvelope{
		Txn:  20,
		Mode: protocol.Readwrite,
		Op: protocol.Remove{
			Reply: reply,
			Ref:   protocol.StoreRef{Origin: "https://example.com", Store: "books"},
			Key:   []byte("never-written"),
		},
	}}
	res := await(t, reply)
	if !res.Ok || string(res.Value) != "never-written" {
		t.Fatalf("removing an absent key must still report success with the key: %+v", res)
	}
}

func TestStartOnFirstEnqueueWithoutExplicitStart(t *testing.T) {
	_, inbox := newTestManager(t)
	createStore(t, inbox, "https://example.com", "books")

	putReply := make(chan protocol.KVResult, 1)
	inbox <- protocol.Envelope{Async: &protocol.AsyncEnvelope{
		Txn:  30,
		Mode: protocol.Readwrite,
		Op: protocol.Put{
			Reply:     putReply,
			Ref:       protocol.StoreRef{Origin: "https://example.com", Store: "books"},
			Key:       protocol.TypedKey{Kind: protocol.KeyKindString, Bytes: []byte("k")},
			Value:     []byte("v"),
			Overwrite: true,
		},
	}}
	// No StartTransaction was ever sent; the batch must still run because
	// the manager dispatches as soon as the first op is buffered.
	if res := await(t, putReply); !res.Ok {
		t.Fatalf("expected the batch to dispatch without an explicit StartTransaction: %+v", res)
	}
}

func TestAsyncOpDroppedWhileTransactionStillRunning(t *testing.T) {
	env, err := kvstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { env.Close() })

	pool := txnpool.New(1)
	eng := engine.New(env, pool, nil)
	m, inbox := New(eng, pool, env)
	go m.Run()

	createStore(t, inbox, "https://example.com", "books")

	// Occupy the pool's sole worker directly so the first transaction's
	// batch sits queued (and therefore "running") for as long as needed.
	started := make(chan struct{})
	release := make(chan struct{})
	if err := pool.Submit(func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	firstReply := make(chan protocol.KVResult, 1)
	inbox <- protocol.Envelope{Async: &protocol.AsyncEnvelope{
		Txn:  40,
		Mode: protocol.Readwrite,
		Op: protocol.Put{
			Reply:     firstReply,
			Ref:       protocol.StoreRef{Origin: "https://example.com", Store: "books"},
			Key:       protocol.TypedKey{Kind: protocol.KeyKindString, Bytes: []byte("k1")},
			Value:     []byte("v1"),
			Overwrite: true,
		},
	}}
	// Give the manager goroutine time to dispatch the first batch (marking
	// txn 40 running) before the second op is sent.
	time.Sleep(50 * time.Millisecond)

	secondReply := make(chan protocol.KVResult, 1)
	inbox <- protocol.Envelope{Async: &protocol.AsyncEnvelope{
		Txn:  40,
		Mode: protocol.Readwrite,
		Op: protocol.Put{
			Reply:     secondReply,
			Ref:       protocol.StoreRef{Origin: "https://example.com", Store: "books"},
			Key:       protocol.TypedKey{Kind: protocol.KeyKindString, Bytes: []byte("k2")},
			Value:     []byte("v2"),
			Overwrite: true,
		},
	}}
	time.Sleep(50 * time.Millisecond)

	select {
	case res := <-secondReply:
		t.Fatalf("expected the second async op on an already-running txn to be dropped, got %+v", res)
	default:
	}

	close(release)
	if res := await(t, firstReply); !res.Ok {
		t.Fatalf("first Put on txn 40 should still complete once the pool worker frees up: %+v", res)
	}

	select {
	case res := <-secondReply:
		t.Fatalf("dropped async op must never receive a reply, even after the transaction completes, got %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExitDrainsAndReplies(t *testing.T) {
	_, inbox := newTestManager(t)

	exitReply := make(chan struct{}, 1)
	inbox <- protocol.Envelope{Sync: protocol.Exit{Reply: exitReply}}
	await(t, exitReply)
}

func createStore(t *testing.T, inbox chan<- protocol.Envelope, origin, store string) {
	t.Helper()
	errCh := make(chan error, 1)
	inbox <- protocol.Envelope{Sync: protocol.CreateObjectStore{
		Reply: errCh, Origin: origin, Store: store,
	}}
	if err := await(t, errCh); err != nil {
		t.Fatalf("CreateObjectStore(%s, %s): %v", origin, store, err)
	}
}

func await[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for reply")
		return zero
	}
}
