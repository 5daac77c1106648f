// Package udp implements the transport contract over UDP datagrams, one
// frame per packet. Broadcast uses a configured broadcast address, typically
// the subnet broadcast of the radio backhaul segment.
package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"arxlink/pkg/transport"
)

const maxDatagram = 64 * 1024

// Config describes one UDP endpoint.
type Config struct {
	// Listen is the local address to bind, e.g. ":7788".
	Listen string
	// Broadcast is the address frames are sent to on Broadcast, e.g.
	// "192.168.1.255:7788".
	Broadcast string
}

// Transport is a single-socket datagram endpoint.
type Transport struct {
	conn      *net.UDPConn
	bcast     *net.UDPAddr
	closeOnce sync.Once
}

// New binds the local socket and resolves the broadcast address.
func New(cfg Config) (*Transport, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	t := &Transport{conn: conn}
	if cfg.Broadcast != "" {
		baddr, err := net.ResolveUDPAddr("udp", cfg.Broadcast)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		t.bcast = baddr
	}
	return t, nil
}

func (t *Transport) LocalAddr() string { return t.conn.LocalAddr().String() }

func (t *Transport) Send(_ context.Context, addr string, payload []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(payload, raddr)
	return err
}

func (t *Transport) Broadcast(ctx context.Context, payload []byte) error {
	if t.bcast == nil {
		return errors.New("udp: no broadcast address configured")
	}
	_, err := t.conn.WriteToUDP(payload, t.bcast)
	return err
}

// Receive reads the next datagram. The read deadline is refreshed in short
// slices so ctx cancellation is observed without an extra reader goroutine.
func (t *Transport) Receive(ctx context.Context) (transport.Frame, error) {
	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return transport.Frame{}, err
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return transport.Frame{}, err
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		return transport.Frame{From: raddr.String(), Payload: pkt}, nil
	}
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}
