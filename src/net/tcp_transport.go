package net

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// sendRetries is how many times a one-way push is retried on a transport
	// error before giving up.
	sendRetries = 3

	// sendBackoff is the wait between push retries.
	sendBackoff = 100 * time.Millisecond
)

// ErrTransportShutdown is returned when operations on a transport are
// invoked after it's been terminated.
var ErrTransportShutdown = errors.New("transport shutdown")

// TCPTransport carries the message envelope over pooled TCP connections.
// Each frame is one JSON object. Inbound connections are read by a
// per-connection goroutine which multiplexes replies and observer pushes
// back over the same connection.
type TCPTransport struct {
	logger *logrus.Entry

	bindAddr string
	listener net.Listener

	connPool     map[string][]*tcpConn
	connPoolLock sync.Mutex
	maxPool      int

	consumeCh chan RPC

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	timeout time.Duration
}

type tcpConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	dec    *json.Decoder
	enc    *json.Encoder
}

// Release closes the underlying connection.
func (c *tcpConn) Release() error {
	return c.conn.Close()
}

// NewTCPTransport binds a listener and returns the transport. The maxPool
// parameter controls how many outbound connections are pooled per target;
// timeout applies I/O deadlines to requests.
func NewTCPTransport(bindAddr string, maxPool int, timeout time.Duration, logger *logrus.Entry) (*TCPTransport, error) {
	listener, err := net.Listen("tcp", stripScheme(bindAddr))
	if err != nil {
		return nil, err
	}

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &TCPTransport{
		logger:     logger,
		bindAddr:   bindAddr,
		listener:   listener,
		connPool:   make(map[string][]*tcpConn),
		maxPool:    maxPool,
		consumeCh:  make(chan RPC),
		shutdownCh: make(chan struct{}),
		timeout:    timeout,
	}, nil
}

// Listen starts the accept loop.
func (t *TCPTransport) Listen() {
	go t.listen()
}

// Consumer implements the Transport interface.
func (t *TCPTransport) Consumer() <-chan RPC {
	return t.consumeCh
}

// LocalAddr implements the Transport interface.
func (t *TCPTransport) LocalAddr() string {
	return t.listener.Addr().String()
}

// Send implements the Transport interface. A failed push is retried a
// bounded number of times with a fixed backoff.
func (t *TCPTransport) Send(target string, msg Message) error {
	var err error
	for i := 0; i < sendRetries; i++ {
		if err = t.send(target, msg); err == nil {
			return nil
		}
		if i < sendRetries-1 {
			time.Sleep(sendBackoff)
		}
	}
	return err
}

func (t *TCPTransport) send(target string, msg Message) error {
	conn, err := t.getConn(target)
	if err != nil {
		return err
	}

	if err := conn.enc.Encode(msg); err != nil {
		conn.Release()
		return err
	}
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}

	t.returnConn(conn)
	return nil
}

// Request implements the Transport interface.
func (t *TCPTransport) Request(target string, msg Message) (Message, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return Message{}, err
	}

	if t.timeout > 0 {
		conn.conn.SetDeadline(time.Now().Add(t.timeout))
	}

	if err := conn.enc.Encode(msg); err != nil {
		conn.Release()
		return Message{}, err
	}
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return Message{}, err
	}

	var resp Message
	if err := conn.dec.Decode(&resp); err != nil {
		conn.Release()
		return Message{}, err
	}

	conn.conn.SetDeadline(time.Time{})
	t.returnConn(conn)

	resp.Data = normalizeDecoded(resp.Data)
	return resp, nil
}

func (t *TCPTransport) getConn(target string) (*tcpConn, error) {
	t.connPoolLock.Lock()
	conns := t.connPool[target]
	if len(conns) > 0 {
		conn := conns[len(conns)-1]
		t.connPool[target] = conns[:len(conns)-1]
		t.connPoolLock.Unlock()
		return conn, nil
	}
	t.connPoolLock.Unlock()

	conn, err := net.DialTimeout("tcp", stripScheme(target), t.timeout)
	if err != nil {
		return nil, err
	}

	w := bufio.NewWriter(conn)
	dec := json.NewDecoder(bufio.NewReader(conn))
	dec.UseNumber()

	return &tcpConn{
		target: target,
		conn:   conn,
		w:      w,
		dec:    dec,
		enc:    json.NewEncoder(w),
	}, nil
}

func (t *TCPTransport) returnConn(conn *tcpConn) {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()

	if t.shutdown || len(t.connPool[conn.target]) >= t.maxPool {
		conn.Release()
		return
	}
	t.connPool[conn.target] = append(t.connPool[conn.target], conn)
}

func (t *TCPTransport) listen() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.WithError(err).Error("Failed to accept connection")
				continue
			}
		}
		go t.handleConn(conn)
	}
}

// handleConn reads envelope frames off a connection. Replies and any later
// pushes for retained reply channels (observers) are written by a single
// writer goroutine, so writes never interleave.
func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()

	respCh := make(chan Message, 16)
	defer close(respCh)

	w := bufio.NewWriter(conn)
	enc := json.NewEncoder(w)
	go func() {
		for resp := range respCh {
			if err := enc.Encode(resp); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}()

	dec := json.NewDecoder(bufio.NewReader(conn))
	dec.UseNumber()

	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			return
		}
		if msg.Command == "" && msg.DataName == "" {
			// malformed frames are dropped
			continue
		}
		msg.Data = normalizeDecoded(msg.Data)

		select {
		case t.consumeCh <- RPC{Message: msg, RespChan: respCh}:
		case <-t.shutdownCh:
			return
		}
	}
}

// Close is used to stop the transport.
func (t *TCPTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if !t.shutdown {
		close(t.shutdownCh)
		t.listener.Close()

		t.connPoolLock.Lock()
		for _, conns := range t.connPool {
			for _, conn := range conns {
				conn.Release()
			}
		}
		t.connPool = make(map[string][]*tcpConn)
		t.connPoolLock.Unlock()

		t.shutdown = true
	}
	return nil
}

// stripScheme removes an optional scheme prefix from a configured node URL.
func stripScheme(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[i+3:]
	}
	return url
}
