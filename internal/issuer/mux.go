package issuer

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// tlsRecordHandshake is the first byte of every TLS ClientHello.
const tlsRecordHandshake = 0x16

const sniffTimeout = 10 * time.Second

// protocolMux splits one listener into a plaintext and a TLS listener by
// peeking at the first byte of each connection. Issuance clients speak
// plaintext HTTP/2 and refresh clients speak TLS, against the same host.
type protocolMux struct {
	root   net.Listener
	plain  *subListener
	tls    *subListener
	logger zerolog.Logger
}

func newProtocolMux(root net.Listener, logger zerolog.Logger) *protocolMux {
	return &protocolMux{
		root:   root,
		plain:  newSubListener(root.Addr()),
		tls:    newSubListener(root.Addr()),
		logger: logger,
	}
}

// Serve accepts until the root listener is closed, then closes both
// sub-listeners.
func (m *protocolMux) Serve() error {
	defer m.plain.Close()
	defer m.tls.Close()

	for {
		conn, err := m.root.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go m.dispatch(conn)
	}
}

// Close stops accepting.
func (m *protocolMux) Close() error {
	return m.root.Close()
}

func (m *protocolMux) dispatch(conn net.Conn) {
	if err := conn.SetReadDeadline(time.Now().Add(sniffTimeout)); err != nil {
		_ = conn.Close()
		return
	}
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		m.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Dropped connection before first byte")
		_ = conn.Close()
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return
	}

	wrapped := &peekedConn{Conn: conn, r: br}
	if first[0] == tlsRecordHandshake {
		m.tls.push(wrapped)
		return
	}
	m.plain.push(wrapped)
}

// peekedConn replays bytes buffered while sniffing.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// subListener is a net.Listener fed by protocolMux.
type subListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newSubListener(addr net.Addr) *subListener {
	return &subListener{addr: addr, conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *subListener) push(c net.Conn) {
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close()
	}
}

func (l *subListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *subListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *subListener) Addr() net.Addr {
	return l.addr
}
