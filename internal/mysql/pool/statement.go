package pool

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/evloop/evloop/internal/mysql/conn"
	"github.com/evloop/evloop/internal/mysql/proto"
	"github.com/evloop/evloop/internal/promise"
)

// PreparedStatement pins a connection for the life of one prepared
// statement. A statement id is only meaningful on the connection that
// prepared it, and Release can hand that same *conn.Conn to a different
// waiter the moment it's returned to the pool — so Prepare acquires a
// connection and holds it exclusively until Close, the same way
// Transaction pins a connection across BEGIN/COMMIT.
type PreparedStatement struct {
	pool   *Pool
	conn   *conn.Conn
	stmtID uint32
	result *conn.PrepareResult
	closed bool
}

// Prepare acquires a connection, issues COM_STMT_PREPARE, and resolves to
// a PreparedStatement pinned to that connection for its entire lifetime.
func (p *Pool) Prepare(sql string) *promise.Promise {
	return p.Acquire().Then(
		func(v any) (any, error) {
			c := v.(*conn.Conn)
			return c.Prepare(sql).Then(
				func(v any) (any, error) {
					pr := v.(*conn.PrepareResult)
					stmt := &PreparedStatement{pool: p, conn: c, stmtID: pr.Info.StatementID, result: pr}
					stmt.armFinalizer()
					return stmt, nil
				},
				func(err error) (any, error) {
					p.Release(c)
					return nil, fmt.Errorf("mysql prepare: %w", err)
				},
			), nil
		},
		nil,
	)
}

// armFinalizer installs the same best-effort safety net Transaction uses:
// if a PreparedStatement is garbage collected while still open, its
// pinned connection is closed out rather than left dangling forever.
//
// The finalizer runs on a goroutine of the runtime's choosing, never the
// loop goroutine that owns conn/pool state, so it must hand the close off
// via Post rather than touching stmt directly.
func (stmt *PreparedStatement) armFinalizer() {
	sched := stmt.pool.sched
	runtime.SetFinalizer(stmt, func(s *PreparedStatement) {
		sched.Post(func() {
			if s.closed {
				return
			}
			slog.Warn("mysql prepared statement dropped without Close, closing it now")
			s.Close()
		})
	})
}

// Info returns the server's PrepareOK metadata: statement id, and
// parameter/column definitions.
func (stmt *PreparedStatement) Info() *conn.PrepareResult {
	return stmt.result
}

// Execute runs the prepared statement with params against the connection
// it was prepared on.
func (stmt *PreparedStatement) Execute(params []proto.Param) *promise.Promise {
	if stmt.closed {
		return promise.Reject(stmt.pool.sched, fmt.Errorf("mysql prepared statement: already closed"))
	}
	return stmt.conn.Execute(stmt.stmtID, params)
}

// Close issues COM_STMT_CLOSE and releases the pinned connection back to
// the pool. Safe to call more than once.
func (stmt *PreparedStatement) Close() *promise.Promise {
	if stmt.closed {
		return promise.Resolve(stmt.pool.sched, nil)
	}
	stmt.closed = true
	runtime.SetFinalizer(stmt, nil)

	c := stmt.conn
	pool := stmt.pool
	return c.ClosePrepared(stmt.stmtID).Then(
		func(v any) (any, error) {
			pool.Release(c)
			return v, nil
		},
		func(err error) (any, error) {
			pool.Release(c)
			return nil, fmt.Errorf("mysql prepared statement: close failed: %w", err)
		},
	)
}
