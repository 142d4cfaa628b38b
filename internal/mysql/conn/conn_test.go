package conn

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/evloop/evloop/internal/mysql/proto"
	"github.com/evloop/evloop/internal/reactor"
)

// testScheduler is a minimal in-order task queue standing in for the
// event loop: ScheduleMicrotask and Post both just append, since these
// tests drive everything from one goroutine and drain between polls.
type testScheduler struct {
	tasks []func()
}

func (s *testScheduler) ScheduleMicrotask(fn func()) { s.tasks = append(s.tasks, fn) }
func (s *testScheduler) Post(fn func())              { s.tasks = append(s.tasks, fn) }

func (s *testScheduler) drain() {
	for len(s.tasks) > 0 {
		fn := s.tasks[0]
		s.tasks = s.tasks[1:]
		fn()
	}
}

// fakeServer mimics just enough of a MySQL server to drive a Conn through
// Connect and one command round trip: it sends a Handshake v10 greeting,
// accepts a HandshakeResponse41 with an empty password, replies OK, then
// answers one COM_QUERY with either an OK packet or a connection close.
type fakeServer struct {
	ln   net.Listener
	addr string
	port int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return &fakeServer{ln: ln, addr: "127.0.0.1", port: port}
}

func (s *fakeServer) close() { s.ln.Close() }

func (s *fakeServer) serveOneAuthThenOK(t *testing.T, queryOK proto.OKPacket) {
	t.Helper()
	go func() {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		f := proto.NewFramer()
		scramble := make([]byte, 20)
		for i := range scramble {
			scramble[i] = byte(i + 1)
		}
		c.Write(f.Encode(encodeFakeHandshake(scramble)))

		readPacket(c, f)
		c.Write(f.Encode(proto.EncodeOK(proto.OKPacket{StatusFlags: proto.ServerStatusAutocommit})))

		f.ResetSequence()
		readPacket(c, f)
		c.Write(f.Encode(proto.EncodeOK(queryOK)))
	}()
}

// serveAuthThenPrepareAndExecute answers the handshake, a COM_STMT_PREPARE
// with a one-column, no-params PrepareOK, and the following COM_STMT_EXECUTE
// with a single binary-encoded row followed by an OK terminator.
func (s *fakeServer) serveAuthThenPrepareAndExecute(t *testing.T, value string) {
	t.Helper()
	go func() {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		f := proto.NewFramer()
		scramble := make([]byte, 20)
		for i := range scramble {
			scramble[i] = byte(i + 1)
		}
		c.Write(f.Encode(encodeFakeHandshake(scramble)))
		readPacket(c, f)
		c.Write(f.Encode(proto.EncodeOK(proto.OKPacket{})))

		// COM_STMT_PREPARE: one column, zero params, so the PrepareOK is
		// immediately followed by a single column definition.
		f.ResetSequence()
		readPacket(c, f)
		c.Write(f.Encode(proto.EncodePrepareOK(proto.PrepareOK{StatementID: 1, NumColumns: 1, NumParams: 0})))
		c.Write(f.Encode(proto.EncodeColumnDef(proto.ColumnDef{Name: "col", Type: 0xfd})))

		// COM_STMT_EXECUTE: one column, one binary row, OK terminator.
		f.ResetSequence()
		readPacket(c, f)
		c.Write(f.Encode([]byte{0x01}))
		c.Write(f.Encode(proto.EncodeColumnDef(proto.ColumnDef{Name: "col", Type: 0xfd})))
		c.Write(f.Encode(encodeBinaryRow(value)))
		c.Write(f.Encode(proto.EncodeEOF(proto.EOFPacket{})))
	}()
}

// encodeBinaryRow builds a single-column COM_STMT_EXECUTE binary row: a
// 0x00 header, a null bitmap with no bits set, and a length-encoded string
// value (matching proto.ParseBinaryRow's default, non-numeric column path).
func encodeBinaryRow(value string) []byte {
	buf := []byte{0x00, 0x00} // header + null bitmap (1 column fits in 1 byte)
	buf = append(buf, byte(len(value)))
	buf = append(buf, value...)
	return buf
}

func (s *fakeServer) serveThenHangUp(t *testing.T) {
	t.Helper()
	go func() {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		f := proto.NewFramer()
		scramble := make([]byte, 20)
		c.Write(f.Encode(encodeFakeHandshake(scramble)))
		readPacket(c, f)
		c.Write(f.Encode(proto.EncodeOK(proto.OKPacket{})))
		c.Close() // hang up before answering the next command
	}()
}

func readPacket(c net.Conn, f *proto.Framer) []byte {
	buf := make([]byte, 4096)
	for {
		if payload, _, ok, _ := f.Next(); ok {
			return payload
		}
		n, err := c.Read(buf)
		if err != nil {
			return nil
		}
		f.Feed(buf[:n])
	}
}

// encodeFakeHandshake builds a Handshake v10 payload the way a real
// server would, independent of the client codec under test.
func encodeFakeHandshake(scramble []byte) []byte {
	var buf []byte
	buf = append(buf, 10)
	buf = append(buf, "8.0.33"...)
	buf = append(buf, 0)
	buf = append(buf, 1, 0, 0, 0) // connection id
	buf = append(buf, scramble[:8]...)
	buf = append(buf, 0)
	caps := proto.BaseClientCapabilities
	buf = append(buf, byte(caps), byte(caps>>8))
	buf = append(buf, 0x21) // charset
	buf = append(buf, 2, 0) // status flags
	buf = append(buf, byte(caps>>16), byte(caps>>24))
	buf = append(buf, byte(len(scramble)))
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, scramble[8:]...)
	buf = append(buf, 0)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)
	return buf
}

func newTestConn(t *testing.T, s *fakeServer) (*Conn, *testScheduler, *reactor.Reactor) {
	t.Helper()
	poller, err := reactor.NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	r := reactor.New(poller)
	sched := &testScheduler{}
	c := New(sched, r, Options{Host: s.addr, Port: s.port, Username: "root", Password: ""})
	return c, sched, r
}

// pumpUntil repeatedly polls the reactor and drains the scheduler until
// cond returns true or the deadline passes.
func pumpUntil(t *testing.T, r *reactor.Reactor, sched *testScheduler, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.Poll(20 * time.Millisecond)
		sched.drain()
		if cond() {
			return
		}
	}
	t.Fatal("condition never became true before deadline")
}

func TestConnectAuthenticatesAndReachesIdle(t *testing.T) {
	s := newFakeServer(t)
	defer s.close()
	s.serveOneAuthThenOK(t, proto.OKPacket{})

	c, sched, r := newTestConn(t, s)
	defer r.Close()

	var connected bool
	var connectErr error
	c.Connect().Then(
		func(v any) (any, error) { connected = true; return nil, nil },
		func(err error) (any, error) { connectErr = err; return nil, nil },
	)

	pumpUntil(t, r, sched, func() bool { return connected || connectErr != nil })
	if connectErr != nil {
		t.Fatalf("connect failed: %v", connectErr)
	}
	if c.State() != Idle {
		t.Fatalf("got state %v, want Idle", c.State())
	}
}

func TestQueryRoundTripsAnOKResult(t *testing.T) {
	s := newFakeServer(t)
	defer s.close()
	s.serveOneAuthThenOK(t, proto.OKPacket{AffectedRows: 1, LastInsertID: 99})

	c, sched, r := newTestConn(t, s)
	defer r.Close()

	var ready bool
	c.Connect().Then(func(v any) (any, error) { ready = true; return nil, nil }, nil)
	pumpUntil(t, r, sched, func() bool { return ready })

	var result *Result
	var queryErr error
	c.Query("INSERT INTO t VALUES (1)").Then(
		func(v any) (any, error) { result, _ = v.(*Result); return nil, nil },
		func(err error) (any, error) { queryErr = err; return nil, nil },
	)

	pumpUntil(t, r, sched, func() bool { return result != nil || queryErr != nil })
	if queryErr != nil {
		t.Fatalf("query failed: %v", queryErr)
	}
	if result.OK == nil || result.OK.LastInsertID != 99 {
		t.Fatalf("got result %+v, want LastInsertID=99", result.OK)
	}
	if c.State() != Idle {
		t.Fatalf("got state %v after command completes, want Idle", c.State())
	}
}

func TestExecuteDecodesBinaryRows(t *testing.T) {
	s := newFakeServer(t)
	defer s.close()
	s.serveAuthThenPrepareAndExecute(t, "hello")

	c, sched, r := newTestConn(t, s)
	defer r.Close()

	var ready bool
	c.Connect().Then(func(v any) (any, error) { ready = true; return nil, nil }, nil)
	pumpUntil(t, r, sched, func() bool { return ready })

	var prepared *PrepareResult
	var prepareErr error
	c.Prepare("SELECT col FROM t WHERE id = ?").Then(
		func(v any) (any, error) { prepared, _ = v.(*PrepareResult); return nil, nil },
		func(err error) (any, error) { prepareErr = err; return nil, nil },
	)
	pumpUntil(t, r, sched, func() bool { return prepared != nil || prepareErr != nil })
	if prepareErr != nil {
		t.Fatalf("prepare failed: %v", prepareErr)
	}

	var result *Result
	var execErr error
	c.Execute(prepared.Info.StatementID, nil).Then(
		func(v any) (any, error) { result, _ = v.(*Result); return nil, nil },
		func(err error) (any, error) { execErr = err; return nil, nil },
	)
	pumpUntil(t, r, sched, func() bool { return result != nil || execErr != nil })
	if execErr != nil {
		t.Fatalf("execute failed: %v", execErr)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] == nil {
		t.Fatalf("got rows %+v, want one row with a non-null column", result.Rows)
	}
	if got := *result.Rows[0][0]; got != "hello" {
		t.Fatalf("got column value %q, want %q (binary row misparsed as text?)", got, "hello")
	}
}

func TestConnectionLostRejectsPendingCommand(t *testing.T) {
	s := newFakeServer(t)
	defer s.close()
	s.serveThenHangUp(t)

	c, sched, r := newTestConn(t, s)
	defer r.Close()

	var ready bool
	c.Connect().Then(func(v any) (any, error) { ready = true; return nil, nil }, nil)
	pumpUntil(t, r, sched, func() bool { return ready })

	var queryErr error
	c.Query("SELECT 1").Then(nil, func(err error) (any, error) { queryErr = err; return nil, nil })

	pumpUntil(t, r, sched, func() bool { return queryErr != nil })
	if queryErr == nil {
		t.Fatal("expected the query to be rejected after the server hung up")
	}
}
