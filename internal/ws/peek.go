package ws

import (
	"net"
	"sync"
)

// peekConn wraps a net.Conn so a readiness monitor can consume one byte
// to detect pending data without corrupting the stream: the peeked byte
// is parked and handed to the next Read before any further bytes from
// the underlying connection. The mutex also serializes the monitor's
// read against the frame reader's, so only one goroutine ever reads the
// underlying connection at a time. Writes are unaffected.
type peekConn struct {
	net.Conn
	mu   sync.Mutex
	cond *sync.Cond // signaled when the parked byte is drained
	buf  byte
	has  bool
}

func newPeekConn(conn net.Conn) *peekConn {
	p := &peekConn{Conn: conn}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// peek blocks until a byte is available on the underlying connection and
// parks it for the next Read. If a byte is already parked, peek waits for
// it to drain first so the park slot never overwrites.
func (p *peekConn) peek() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.has {
		p.cond.Wait()
	}

	var b [1]byte
	for {
		n, err := p.Conn.Read(b[:])
		if n == 1 {
			p.buf = b[0]
			p.has = true
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Read returns the parked byte first, then reads the underlying
// connection. Holding the mutex across the underlying read keeps the
// monitor's peek from interleaving mid-frame.
func (p *peekConn) Read(dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.has && len(dst) > 0 {
		dst[0] = p.buf
		p.has = false
		p.cond.Signal()
		return 1, nil
	}
	return p.Conn.Read(dst)
}
