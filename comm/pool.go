package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out, <= maxSize
	timeout time.Duration           // idle time after which pooled connections are freed
	conns   chan io.ReadWriteCloser // the idle connections
	slots   chan struct{}           // one token per connection that may exist
	timer   *time.Timer             // reclaims idle connections
	maker   CreationFunc
	closed  bool

	mu sync.Mutex
}

// NewPool creates a new pool holding at most maxSize connections made by maker
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		slots:   make(chan struct{}, maxSize),
		maker:   maker,
	}
	for i := 0; i < maxSize; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	// a slot is held for as long as the connection exists, leased or idle;
	// idle connections are taken first
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	select {
	case c := <-p.conns:
		p.onLease++
		p.mu.Unlock()
		return c, nil
	default:
	}
	p.mu.Unlock()

	select {
	case c := <-p.conns:
		p.mu.Lock()
		p.onLease++
		p.mu.Unlock()
		return c, nil
	case <-p.slots:
	}
	c, err := p.maker()
	if err != nil {
		p.slots <- struct{}{}
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		p.slots <- struct{}{}
		return nil, ErrPoolClosed
	}
	p.onLease++
	return c, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	if p.closed {
		rwc.Close()
		p.slots <- struct{}{}
		return
	}
	p.conns <- rwc
	if p.onLease == 0 {
		p.startReclaim()
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	p.slots <- struct{}{}
}

// ReturnWithError returns the communicator to the pool if err is nil,
// otherwise destroys it so the next Get dials a fresh connection
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close frees every idle connection and causes future Gets to fail.
// Connections on lease are closed as they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	var first error
	for len(p.conns) > 0 {
		if err := (<-p.conns).Close(); err != nil && first == nil {
			first = err
		}
		p.slots <- struct{}{}
	}
	return first
}

// startReclaim arms the timer that frees idle connections.  p.mu must be held.
func (p *Pool) startReclaim() {
	if p.timeout <= 0 {
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
		return
	}
	p.timer.Reset(p.timeout)
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease != 0 {
		return
	}
	for len(p.conns) > 0 {
		(<-p.conns).Close()
		p.slots <- struct{}{}
	}
}
