// Package notify pushes controller snapshots to a UDP listener as JSON.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"pidctl/internal/controller"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Publisher sends one datagram per snapshot. Send errors are counted and
// logged once per distinct error; they never reach the controller.
type Publisher struct {
	dest string
	conn udpConn
	log  *slog.Logger

	mu      sync.Mutex
	sent    uint64
	errs    uint64
	lastErr string
}

type message struct {
	Type     string              `json:"type"`
	Snapshot controller.Snapshot `json:"controller"`
}

func NewPublisher(dest string, logger *slog.Logger) (*Publisher, error) {
	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	}
	return newPublisher(dest, logger, net.ResolveUDPAddr, dial)
}

func newPublisher(dest string, logger *slog.Logger, resolve resolveFunc, dial dialFunc) (*Publisher, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{dest: dest, conn: conn, log: logger.With("notify", dest)}, nil
}

// Observe encodes and sends s. Install it with controller.WithObserver.
func (p *Publisher) Observe(s controller.Snapshot) {
	b, err := json.Marshal(message{Type: "controller", Snapshot: s})
	if err == nil {
		_, err = p.conn.Write(b)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.errs++
		if err.Error() != p.lastErr {
			p.log.Warn("publish failed", "err", err)
		}
		p.lastErr = err.Error()
		return
	}
	p.sent++
	p.lastErr = ""
}

// Stats returns the number of datagrams sent and failed.
func (p *Publisher) Stats() (sent, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent, p.errs
}

func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
