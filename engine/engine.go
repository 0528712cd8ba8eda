// Package engine owns the KV environment and the table of open store
// handles, and executes a whole TransactionRecord under one reader or one
// writer on a pool worker, grounded directly on the original Rust
// engines/rkv.rs process_transaction.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"indexeddb/dblog"
	"indexeddb/dbmetrics"
	"indexeddb/kvstore"
	"indexeddb/protocol"
	"indexeddb/txnpool"
	"indexeddb/valuecodec"
)

// ErrProtocolViolation marks a caller bug: a modifying op under a readonly
// transaction, or any op type the engine doesn't recognize.
var ErrProtocolViolation = errors.New("engine: protocol violation")

// ErrUnknownStore marks a request against a descriptor that was never
// created via CreateStore.
var ErrUnknownStore = errors.New("engine: unknown store")

// ErrCommitFailed marks a failed writer commit at the end of a readwrite
// or versionchange batch. Unlike the original Rust implementation (which
// panics via .expect()), the engine logs a commit failure and counts the
// batch as failed in the metrics; the completion channel returned by
// ProcessTransaction only closes and carries no error.
var ErrCommitFailed = errors.New("engine: commit failed")

// StoreDescriptor is the (origin, name) pair identifying one object store.
type StoreDescriptor struct {
	Origin string
	Name   string
}

// String is the canonical form used as the bbolt bucket name.
func (d StoreDescriptor) String() string {
	return fmt.Sprintf("%s::%s", d.Origin, d.Name)
}

func descriptorFor(ref protocol.StoreRef) StoreDescriptor {
	return StoreDescriptor{Origin: ref.Origin, Name: ref.Store}
}

// supportedKeyKind reports whether kind is implemented. KeyKindDate,
// KeyKindBinary, and KeyKindArray are reserved and rejected until this
// engine grows structured-key comparison.
func supportedKeyKind(kind protocol.KeyKind) bool {
	switch kind {
	case protocol.KeyKindNumber, protocol.KeyKindString:
		return true
	default:
		return false
	}
}

// StoreHandle is the engine's bound reference into the KV environment for
// one descriptor, created exactly once per process lifetime (invariant I5).
type StoreHandle struct {
	Descriptor   StoreDescriptor
	KeyGenerator bool
}

// TransactionRecord is a batch of requests accumulated under one mode,
// handed whole to the engine by the manager once dispatch triggers.
type TransactionRecord struct {
	Serial   uint64
	Mode     protocol.TxnMode
	Requests []protocol.AsyncOp
}

// Engine owns the KV environment and the store-handle table. It is safe
// for concurrent use by multiple pool workers: store-handle creation goes
// through handlesMu, while batch execution only takes read locks on it.
type Engine struct {
	env     *kvstore.Environment
	pool    *txnpool.Pool
	codec   *valuecodec.Codec
	metrics *dbmetrics.Metrics

	handlesMu sync.RWMutex
	handles   map[string]*StoreHandle
}

// SetMetrics attaches a metrics sink; nil disables instrumentation.
func (e *Engine) SetMetrics(m *dbmetrics.Metrics) {
	e.metrics = m
}

// New constructs an Engine over an already-open environment and pool. A
// nil codec defaults to no compression.
func New(env *kvstore.Environment, pool *txnpool.Pool, codec *valuecodec.Codec) *Engine {
	if codec == nil {
		codec = valuecodec.NewCodec(valuecodec.None, 0)
	}
	return &Engine{
		env:     env,
		pool:    pool,
		codec:   codec,
		handles: make(map[string]*StoreHandle),
	}
}

// CreateStore opens the named store in the KV environment and registers a
// StoreHandle with KeyGenerator set iff autoIncrement. Idempotent on
// re-creation.
func (e *Engine) CreateStore(descriptor StoreDescriptor, autoIncrement bool) error {
	key := descriptor.String()
	if err := e.env.OpenStore(key); err != nil {
		return err
	}

	e.handlesMu.Lock()
	defer e.handlesMu.Unlock()
	if existing, ok := e.handles[key]; ok {
		existing.KeyGenerator = existing.KeyGenerator || autoIncrement
		return nil
	}
	e.handles[key] = &StoreHandle{Descriptor: descriptor, KeyGenerator: autoIncrement}
	return nil
}

// HasKeyGenerator reports whether descriptor was registered with
// auto-increment. A descriptor the manager never created via CreateStore
// is a programmer error.
func (e *Engine) HasKeyGenerator(descriptor StoreDescriptor) (bool, error) {
	e.handlesMu.RLock()
	defer e.handlesMu.RUnlock()

	h, ok := e.handles[descriptor.String()]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownStore, descriptor)
	}
	return h.KeyGenerator, nil
}

func (e *Engine) handleFor(ref protocol.StoreRef) (*StoreHandle, error) {
	e.handlesMu.RLock()
	defer e.handlesMu.RUnlock()

	h, ok := e.handles[descriptorFor(ref).String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s::%s", ErrUnknownStore, ref.Origin, ref.Store)
	}
	return h, nil
}

// ProcessTransaction schedules batch execution onto the pool and returns a
// channel that closes once the batch (success or failure) completes. The
// per-request results are delivered on each request's own reply channel,
// not through this channel — it exists purely so a caller can wait for
// the whole batch to finish before proceeding.
func (e *Engine) ProcessTransaction(record *TransactionRecord) <-chan struct{} {
	done := make(chan struct{})
	log := dblog.WithComponent("engine")

	if e.metrics != nil {
		e.metrics.TransactionsStarted.WithLabelValues(record.Mode.String()).Inc()
		e.metrics.TransactionsInFlight.Inc()
	}

	err := e.pool.Submit(func() {
		defer close(done)
		if e.metrics != nil {
			defer e.metrics.TransactionsInFlight.Dec()
		}
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Uint64("txn", record.Serial).
					Msg("panic while executing transaction batch")
			}
		}()
		start := time.Now()
		ok := e.runBatch(record)
		if e.metrics != nil {
			e.metrics.BatchDuration.WithLabelValues(record.Mode.String()).Observe(time.Since(start).Seconds())
			if ok {
				e.metrics.TransactionsCompleted.WithLabelValues(record.Mode.String()).Inc()
			} else {
				e.metrics.TransactionsFailed.WithLabelValues(record.Mode.String()).Inc()
			}
		}
	})
	if err != nil {
		log.Warn().Err(err).Uint64("txn", record.Serial).Msg("could not submit transaction batch")
		if e.metrics != nil {
			e.metrics.TransactionsInFlight.Dec()
		}
		close(done)
	}
	return done
}

func (e *Engine) runBatch(record *TransactionRecord) bool {
	if record.Mode == protocol.Readonly {
		e.runReadonlyBatch(record)
		return true
	}
	return e.runWritableBatch(record)
}

func (e *Engine) runReadonlyBatch(record *TransactionRecord) {
	reader, err := e.env.BeginReader()
	if err != nil {
		dblog.WithComponent("engine").Warn().Err(err).Msg("could not begin reader")
		e.failAll(record.Requests)
		return
	}
	defer reader.Rollback()

	for _, req := range record.Requests {
		get, ok := req.(protocol.Get)
		if !ok {
			dblog.WithComponent("engine").Warn().
				Msg("non-Get request in readonly transaction: protocol violation")
			continue
		}
		e.execGet(reader, get)
	}
}

func (e *Engine) runWritableBatch(record *TransactionRecord) bool {
	writer, err := e.env.BeginWriter()
	if err != nil {
		dblog.WithComponent("engine").Warn().Err(err).Msg("could not begin writer")
		e.failAll(record.Requests)
		return false
	}

	for _, req := range record.Requests {
		switch op := req.(type) {
		case protocol.Get:
			e.execGetWriter(writer, op)
		case protocol.Put:
			e.execPut(writer, op)
		case protocol.Remove:
			e.execRemove(writer, op)
		default:
			dblog.WithComponent("engine").Warn().Msg("unknown async op type: protocol violation")
		}
	}

	if err := writer.Commit(); err != nil {
		dblog.WithComponent("engine").Warn().Err(err).Uint64("txn", record.Serial).
			Msg("commit failed")
		return false
	}
	return true
}

func (e *Engine) execGet(reader *kvstore.Reader, op protocol.Get) {
	h, err := e.handleFor(op.Target())
	if err != nil {
		reply(op.Reply, protocol.KVResult{Ok: false})
		return
	}
	raw, found, err := reader.Get([]byte(h.Descriptor.String()), op.Key)
	e.replyGetResult(op.Reply, raw, found, err)
}

func (e *Engine) execGetWriter(writer *kvstore.Writer, op protocol.Get) {
	h, err := e.handleFor(op.Target())
	if err != nil {
		reply(op.Reply, protocol.KVResult{Ok: false})
		return
	}
	raw, found, err := writer.Get([]byte(h.Descriptor.String()), op.Key)
	e.replyGetResult(op.Reply, raw, found, err)
}

func (e *Engine) replyGetResult(ch chan<- protocol.KVResult, raw []byte, found bool, err error) {
	if err != nil || !found {
		reply(ch, protocol.KVResult{Ok: false})
		return
	}
	value, decErr := valuecodec.Decode(raw)
	if decErr != nil {
		dblog.WithComponent("engine").Warn().Err(decErr).Msg("value decode failed")
		reply(ch, protocol.KVResult{Ok: false})
		return
	}
	reply(ch, protocol.KVResult{Value: value, Ok: true})
}

func (e *Engine) execPut(writer *kvstore.Writer, op protocol.Put) {
	if !supportedKeyKind(op.Key.Kind) {
		dblog.WithComponent("engine").Warn().
			Err(ErrProtocolViolation).
			Int("kind", int(op.Key.Kind)).
			Msg("unsupported key kind")
		reply(op.Reply, protocol.KVResult{Ok: false})
		return
	}

	h, err := e.handleFor(op.Target())
	if err != nil {
		reply(op.Reply, protocol.KVResult{Ok: false})
		return
	}
	bucket := []byte(h.Descriptor.String())
	key := op.Key.Bytes

	if !op.Overwrite {
		_, found, err := writer.Get(bucket, key)
		if err != nil {
			reply(op.Reply, protocol.KVResult{Ok: false})
			return
		}
		if found {
			// "add" semantics: key already present, not inserted.
			reply(op.Reply, protocol.KVResult{Ok: false})
			return
		}
	}

	encoded, err := e.codec.Encode(op.Value)
	if err != nil {
		dblog.WithComponent("engine").Warn().Err(err).Msg("value encode failed")
		reply(op.Reply, protocol.KVResult{Ok: false})
		return
	}

	if err := writer.Put(bucket, key, encoded); err != nil {
		reply(op.Reply, protocol.KVResult{Ok: false})
		return
	}
	reply(op.Reply, protocol.KVResult{Value: key, Ok: true})
}

func (e *Engine) execRemove(writer *kvstore.Writer, op protocol.Remove) {
	h, err := e.handleFor(op.Target())
	if err != nil {
		reply(op.Reply, protocol.KVResult{Ok: false})
		return
	}
	bucket := []byte(h.Descriptor.String())

	// Deleting an absent key is not an error; we always report success
	// carrying the key back.
	_ = writer.Delete(bucket, op.Key)
	reply(op.Reply, protocol.KVResult{Value: op.Key, Ok: true})
}

// failAll replies failure to every request in a batch that could not even
// begin (e.g. the KV environment refused a reader/writer). Dropping the
// reply without sending would be indistinguishable from a live caller
// waiting forever, so we always attempt a reply here.
func (e *Engine) failAll(reqs []protocol.AsyncOp) {
	for _, req := range reqs {
		switch op := req.(type) {
		case protocol.Get:
			reply(op.Reply, protocol.KVResult{Ok: false})
		case protocol.Put:
			reply(op.Reply, protocol.KVResult{Ok: false})
		case protocol.Remove:
			reply(op.Reply, protocol.KVResult{Ok: false})
		}
	}
}

// reply sends a value on a reply channel, swallowing the case where no
// one is listening anymore (the channel's receiver gave up). A reply
// channel is a single-use resource owned by whoever issued the request;
// dropping it is the caller's own signal of abandoned interest.
func reply[T any](ch chan<- T, v T) {
	defer func() {
		_ = recover()
	}()
	select {
	case ch <- v:
	default:
		// Buffered-by-one reply channels are expected; an unbuffered
		// channel with no receiver left is a dropped request, logged here.
		dblog.WithComponent("engine").Warn().Msg("reply channel not ready; reply dropped")
	}
}
