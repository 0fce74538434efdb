package transport

import (
	"context"
	"errors"
	"sync"
)

// DialFunc opens a new Conn to addr.
type DialFunc func(ctx context.Context, addr string) (*Conn, error)

// Pool shares one live Conn per address. Hub connections are stateful
// (subscriptions and server-side groups belong to a connection), so unlike a
// borrow/return pool, Get hands every caller the same Conn until it closes,
// after which the next Get dials a fresh one.
//
// Callers sharing a Conn keep their subscriptions apart by using one
// hub.Dispatcher each.
type Pool struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	dial   DialFunc
	closed bool
}

var ErrPoolClosed = errors.New("transport: pool closed")

func NewPool(dial DialFunc) *Pool {
	return &Pool{conns: make(map[string]*Conn), dial: dial}
}

// Get returns the live Conn for addr, dialing one if there is none. Dialing
// happens under the pool lock so concurrent callers never open two
// connections to the same address.
func (p *Pool) Get(ctx context.Context, addr string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if c, ok := p.conns[addr]; ok {
		select {
		case <-c.Done():
			delete(p.conns, addr) // Broken, replace below
		default:
			return c, nil
		}
	}

	c, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

// Len returns the number of pooled connections, live or not yet noticed dead.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every pooled connection. Later Gets fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs []error
	for addr, c := range p.conns {
		errs = append(errs, c.Close())
		delete(p.conns, addr)
	}
	return errors.Join(errs...)
}
