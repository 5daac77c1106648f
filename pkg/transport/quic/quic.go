// Package quic implements the transport contract over QUIC connections with
// length-prefixed frames on a single bidirectional stream per peer. Broadcast
// fans out to every live session plus the configured static peers.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"arxlink/pkg/transport"
)

const (
	alpnProto    = "arxlink"
	maxFrameSize = 1 << 24
)

// Config describes one QUIC endpoint.
type Config struct {
	// Listen is the local UDP address to accept sessions on.
	Listen string
	// Peers are static addresses included in every Broadcast fan-out.
	Peers []string
}

// Transport keeps one session per remote address, dialing lazily on Send and
// accepting inbound sessions on the listener. All inbound frames funnel into
// a single receive queue.
type Transport struct {
	cfg      Config
	listener *quicgo.Listener
	tlsConf  *tls.Config
	quicConf *quicgo.Config

	mu       sync.Mutex
	sessions map[string]*session

	rx        chan transport.Frame
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New starts the listener and the accept loop. The server certificate is
// ephemeral and self-signed; identity lives at the protocol layer.
func New(cfg Config) (*Transport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
		MinVersion:   tls.VersionTLS13,
	}
	qconf := &quicgo.Config{MaxIdleTimeout: 2 * time.Minute, KeepAlivePeriod: 15 * time.Second}
	l, err := quicgo.ListenAddr(cfg.Listen, tlsConf, qconf)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:      cfg,
		listener: l,
		tlsConf:  tlsConf,
		quicConf: qconf,
		sessions: make(map[string]*session),
		rx:       make(chan transport.Frame, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	go t.acceptLoop()
	return t, nil
}

func (t *Transport) LocalAddr() string { return t.listener.Addr().String() }

func (t *Transport) Send(ctx context.Context, addr string, payload []byte) error {
	s, err := t.getOrDial(ctx, addr)
	if err != nil {
		return err
	}
	if err := s.sendFrame(payload); err != nil {
		t.drop(addr)
		return err
	}
	return nil
}

func (t *Transport) Broadcast(ctx context.Context, payload []byte) error {
	addrs := make(map[string]struct{})
	t.mu.Lock()
	for a := range t.sessions {
		addrs[a] = struct{}{}
	}
	t.mu.Unlock()
	for _, p := range t.cfg.Peers {
		addrs[p] = struct{}{}
	}
	var firstErr error
	for a := range addrs {
		if err := t.Send(ctx, a, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) Receive(ctx context.Context) (transport.Frame, error) {
	select {
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	case <-t.ctx.Done():
		return transport.Frame{}, errors.New("quic: transport closed")
	case f := <-t.rx:
		return f, nil
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		for _, s := range t.sessions {
			_ = s.close()
		}
		t.sessions = make(map[string]*session)
		t.mu.Unlock()
		_ = t.listener.Close()
	})
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			return
		}
		go t.acceptSession(conn)
	}
}

func (t *Transport) acceptSession(conn quicgo.Connection) {
	st, err := conn.AcceptStream(t.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "accept stream")
		return
	}
	s := &session{conn: conn, stream: st, remote: conn.RemoteAddr().String()}
	t.mu.Lock()
	t.sessions[s.remote] = s
	t.mu.Unlock()
	t.readLoop(s)
}

func (t *Transport) getOrDial(ctx context.Context, addr string) (*session, error) {
	t.mu.Lock()
	s := t.sessions[addr]
	t.mu.Unlock()
	if s != nil {
		return s, nil
	}
	tlsClient := &tls.Config{
		InsecureSkipVerify: true, // identity is verified at the protocol layer
		NextProtos:         []string{alpnProto},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quicgo.DialAddr(ctx, addr, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, err
	}
	s = &session{conn: conn, stream: st, remote: addr}
	t.mu.Lock()
	t.sessions[addr] = s
	t.mu.Unlock()
	go t.readLoop(s)
	return s, nil
}

func (t *Transport) readLoop(s *session) {
	defer t.drop(s.remote)
	for {
		frame, err := s.recvFrame()
		if err != nil {
			return
		}
		select {
		case <-t.ctx.Done():
			return
		case t.rx <- transport.Frame{From: s.remote, Payload: frame}:
		default:
			// queue full, frame dropped
		}
	}
}

func (t *Transport) drop(addr string) {
	t.mu.Lock()
	s := t.sessions[addr]
	delete(t.sessions, addr)
	t.mu.Unlock()
	if s != nil {
		_ = s.close()
	}
}

type session struct {
	conn   quicgo.Connection
	stream quicgo.Stream
	remote string
	wmu    sync.Mutex
}

// sendFrame writes a u32-LE length prefix followed by the body.
func (s *session) sendFrame(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.stream.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err := s.stream.Write(b)
	return err
}

func (s *session) recvFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.stream, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if n > maxFrameSize {
		return nil, errors.New("quic: frame too large")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *session) close() error {
	return s.conn.CloseWithError(0, "closed")
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
