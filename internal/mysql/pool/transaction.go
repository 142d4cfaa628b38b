package pool

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/evloop/evloop/internal/mysql/conn"
	"github.com/evloop/evloop/internal/promise"
)

// Transaction pins a connection for its lifetime: begin() acquires it in
// exclusive mode (bypassing the normal FIFO queue once acquired), and
// commit/rollback always return the connection to the pool. Destroying a
// transaction that was neither committed nor rolled back attempts a
// best-effort ROLLBACK first.
type Transaction struct {
	pool *Pool
	conn *conn.Conn
	done bool
}

// Begin acquires a connection, issues BEGIN, and resolves to a
// Transaction handle bound to that connection for its entire lifetime.
func (p *Pool) Begin() *promise.Promise {
	return p.Acquire().Then(
		func(v any) (any, error) {
			c := v.(*conn.Conn)
			return c.Query("BEGIN").Then(
				func(any) (any, error) {
					tx := &Transaction{pool: p, conn: c}
					tx.armFinalizer()
					return tx, nil
				},
				func(err error) (any, error) {
					p.Release(c)
					return nil, fmt.Errorf("mysql transaction: BEGIN failed: %w", err)
				},
			), nil
		},
		nil,
	)
}

// armFinalizer installs a best-effort safety net: if a Transaction value
// is garbage collected while still open, its pinned connection is handed
// a ROLLBACK before being returned to the pool. This is not a substitute
// for calling Commit or Rollback — finalizers run on the GC's schedule,
// not deterministically — but it bounds a leaked transaction's lifetime
// on the server to the Go heap's, rather than forever.
//
// The finalizer runs on a goroutine of the runtime's choosing, never the
// loop goroutine that owns conn/pool state, so it must hand the rollback
// off via Post rather than touching tx directly.
func (tx *Transaction) armFinalizer() {
	sched := tx.pool.sched
	runtime.SetFinalizer(tx, func(t *Transaction) {
		sched.Post(func() {
			if t.done {
				return
			}
			slog.Warn("mysql transaction dropped without commit or rollback, issuing best-effort rollback")
			t.Rollback()
		})
	})
}

// Query runs a statement on the pinned connection.
func (tx *Transaction) Query(sql string) *promise.Promise {
	if tx.done {
		return promise.Reject(tx.pool.sched, fmt.Errorf("mysql transaction: already finished"))
	}
	return tx.conn.Query(sql)
}

// Conn returns the connection pinned to this transaction, for callers
// that need Prepare/Execute rather than plain Query.
func (tx *Transaction) Conn() *conn.Conn {
	return tx.conn
}

// Commit issues COMMIT and releases the connection back to the pool.
func (tx *Transaction) Commit() *promise.Promise {
	return tx.finish("COMMIT")
}

// Rollback issues ROLLBACK and releases the connection back to the pool.
func (tx *Transaction) Rollback() *promise.Promise {
	return tx.finish("ROLLBACK")
}

func (tx *Transaction) finish(stmt string) *promise.Promise {
	if tx.done {
		return promise.Resolve(tx.pool.sched, nil)
	}
	tx.done = true
	runtime.SetFinalizer(tx, nil)

	c := tx.conn
	pool := tx.pool
	return c.Query(stmt).Then(
		func(v any) (any, error) {
			pool.Release(c)
			return v, nil
		},
		func(err error) (any, error) {
			pool.Release(c)
			return nil, fmt.Errorf("mysql transaction: %s failed: %w", stmt, err)
		},
	)
}
