// Package manager implements the single-threaded event loop that owns all
// transaction bookkeeping for one IndexedDB core: one goroutine draining
// one channel, dispatching synchronous control operations immediately and
// buffering asynchronous request-queue operations until a transaction is
// handed whole to the engine. Grounded directly on the original Rust
// idb_thread.rs IndexedDBManager.
package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"indexeddb/dblog"
	"indexeddb/engine"
	"indexeddb/kvstore"
	"indexeddb/protocol"
	"indexeddb/txnpool"
)

// Manager owns version state, the upgrade transaction marker, and the
// table of buffered-but-not-yet-started transactions. All of its fields
// are touched only from Run's goroutine; the only cross-goroutine traffic
// is the inbox channel and the internal completions channel.
type Manager struct {
	eng  *engine.Engine
	pool *txnpool.Pool
	env  *kvstore.Environment

	inbox       <-chan protocol.Envelope
	completions chan uint64
	stop        chan struct{}

	version       uint64
	upgradeTxn    *uint64
	transactions  map[uint64]*engine.TransactionRecord
	running       map[uint64]bool
	serialCounter uint64
}

// New builds a Manager and the channel callers send Envelopes on. The
// caller is responsible for starting Run in its own goroutine.
func New(eng *engine.Engine, pool *txnpool.Pool, env *kvstore.Environment) (*Manager, chan<- protocol.Envelope) {
	inbox := make(chan protocol.Envelope, 64)
	m := &Manager{
		eng:          eng,
		pool:         pool,
		env:          env,
		inbox:        inbox,
		completions:  make(chan uint64, 64),
		stop:         make(chan struct{}),
		transactions: make(map[uint64]*engine.TransactionRecord),
		running:      make(map[uint64]bool),
	}
	return m, inbox
}

// Run drains the inbox until an Exit operation is handled, or the inbox
// channel is closed by the caller. It does not return until then.
func (m *Manager) Run() {
	log := dblog.WithComponent("manager")
	for {
		select {
		case env, ok := <-m.inbox:
			if !ok {
				return
			}
			if env.Sync != nil {
				if exiting := m.handleSync(env.Sync, log); exiting {
					return
				}
			}
			if env.Async != nil {
				m.handleAsync(env.Async, log)
			}
		case txn := <-m.completions:
			delete(m.running, txn)
		}
	}
}

func (m *Manager) handleSync(op protocol.SyncOp, log zerolog.Logger) (exiting bool) {
	switch op := op.(type) {
	case protocol.Open:
		m.open(op)
	case protocol.HasKeyGenerator:
		has, err := m.eng.HasKeyGenerator(engine.StoreDescriptor{Origin: op.Origin, Name: op.Store})
		if err != nil {
			has = false
		}
		reply(op.Reply, has)
	case protocol.UpgradeVersion:
		txn := op.Txn
		m.upgradeTxn = &txn
		m.version = op.NewVersion
		reply(op.Reply, protocol.UpgradeVersionReply{Version: m.version})
	case protocol.CreateObjectStore:
		err := m.eng.CreateStore(engine.StoreDescriptor{Origin: op.Origin, Name: op.Store}, op.AutoIncrement)
		reply(op.Reply, err)
	case protocol.StartTransaction:
		m.startTransaction(op.Txn)
		reply(op.Reply, error(nil))
	case protocol.Commit:
		// Intentionally a no-op: the underlying writer already committed
		// (or failed) inside the engine at the end of the batch. This
		// reply exists only so callers waiting on it can proceed.
		reply(op.Reply, error(nil))
	case protocol.Version:
		reply(op.Reply, m.version)
	case protocol.RegisterNewTxn:
		m.serialCounter++
		reply(op.Reply, m.serialCounter)
	case protocol.Exit:
		m.shutdown(log)
		reply(op.Reply, struct{}{})
		return true
	}
	return false
}

// open assigns the database version the first time a database is opened
// in this process; later Opens never change an already-assigned version.
func (m *Manager) open(op protocol.Open) {
	if m.version == 0 {
		if op.Version != nil {
			m.version = *op.Version
		} else {
			m.version = 1
		}
	}
	v := m.version
	reply(op.Reply, protocol.OpenReply{Version: &v})
}

// handleAsync buffers one request into its transaction's pending batch
// and immediately dispatches that batch to the engine, reproducing the
// "start on first enqueue, not on explicit StartTransaction" behavior.
// A request that arrives for a txn id whose
// previous batch is still running on the engine is dropped rather than
// silently re-batched as a second, interleaving transaction under the
// same id — this is a known, pinned defect carried over unchanged;
// exercised by a dedicated regression test.
func (m *Manager) handleAsync(ae *protocol.AsyncEnvelope, log zerolog.Logger) {
	if m.running[ae.Txn] {
		log.Warn().Uint64("txn", ae.Txn).
			Msg("dropping async op for a transaction already dispatched to the engine")
		return
	}

	record, ok := m.transactions[ae.Txn]
	if !ok {
		record = &engine.TransactionRecord{Serial: ae.Txn, Mode: ae.Mode}
		m.transactions[ae.Txn] = record
	}
	record.Requests = append(record.Requests, ae.Op)
	m.startTransaction(ae.Txn)
}

// startTransaction hands whatever is currently buffered for txn to the
// engine and marks it running until the batch completes. A txn with
// nothing buffered (e.g. an explicit StartTransaction with no prior
// Async enqueue) is a no-op, matching the original's HashMap::remove
// returning None.
func (m *Manager) startTransaction(txn uint64) {
	record, ok := m.transactions[txn]
	if !ok {
		return
	}
	delete(m.transactions, txn)
	m.running[txn] = true

	done := m.eng.ProcessTransaction(record)
	go func() {
		select {
		case <-done:
		case <-m.stop:
			return
		}
		select {
		case m.completions <- txn:
		case <-m.stop:
		}
	}()
}

// shutdown drains the pool and closes the KV environment before Exit
// replies, so that by the time the caller observes the reply, all data
// is durably flushed and no further work will run on either.
func (m *Manager) shutdown(log zerolog.Logger) {
	close(m.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.pool.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("txnpool did not drain before the shutdown deadline")
	}
	if err := m.env.Close(); err != nil {
		log.Warn().Err(err).Msg("kvstore environment close failed during shutdown")
	}
}

// reply sends a value on a reply channel without blocking; a caller that
// gave up (e.g. a timed-out request) simply never receives it, and the
// dropped reply is logged.
func reply[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
		dblog.WithComponent("manager").Warn().Msg("reply channel not ready; reply dropped")
	}
}
