package comm

import (
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	// can assume chan and timer are created by NewPool in all methods.
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out, <= cap(conns)
	timeout time.Duration           // time after len(conns) == maxSize to free all connections
	conns   chan io.ReadWriteCloser // the circular buffer of connections
	timer   *time.Timer             // timer used to destroy connections in the pool after all are returned
	maker   CreationFunc

	reclaiming bool // whether startReclaim's goroutine is running
	mu         *sync.Mutex
}

// NewPool creates a new pool of up to maxSize connections made by maker,
// which are reclaimed when they sit idle for timeout.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
		mu:      &sync.Mutex{},
	}
	p.timer.Stop() // nothing to reclaim initially
	return p
}

// Get retrieves a communicator from the channel, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.  The consumer should not attempt to cast it to its
// concrete type and use it outside this interface.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
// ReturnWithError does the right one based on an error value.
//
// If the error from Get is not nil, you must not return the communicator
// to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	// stopping the timer can fail as documented
	// ( https://golang.org/pkg/time/#Timer.Stop ) but the reclaim loop
	// only closes idle connections and a new one will be made here
	// anyway, so we can ignore that.
	p.timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	// short circuit: if a connection is available, immediately return it
	if len(p.conns) > 0 {
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	// check if they're all given out
	if p.onLease == p.maxSize {
		// wait for one to come back
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	// no connection available and they aren't all out; make one and
	// only count the lease if we are giving out something other than garbage
	c, err := p.maker()
	if err == nil {
		p.onLease++
	}
	return c, err
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.  Junk communicators (ones that always error) should be
// Destroy()'d and not returned with Put.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := (rw).(io.ReadWriteCloser)
	// the channel send must happen outside the lock; Get blocks on a
	// receive while holding it
	p.conns <- rwc
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	if len(p.conns) == p.maxSize {
		p.startReclaim()
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := (rw).(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
}

// ReturnWithError restores rw to the pool when err is nil and destroys it
// otherwise, so a connection that faulted mid-operation is never handed to
// the next caller.  A nil rw is ignored.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if rw == nil {
		return
	}
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

// CloseAll closes every idle connection held by the pool and returns the
// accumulated close errors.  Leased connections are not touched; their
// holders discard them with Destroy.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for {
		select {
		case c := <-p.conns:
			err = multierr.Append(err, c.Close())
		default:
			return err
		}
	}
}

// startReclaim arms the idle timer and spawns the goroutine which closes
// every pooled connection once it fires.  Callers hold p.mu.
func (p *Pool) startReclaim() {
	if p.reclaiming {
		return
	}
	p.reclaiming = true
	p.timer.Reset(p.timeout)
	go func() {
		<-p.timer.C
		p.mu.Lock()
		defer p.mu.Unlock()
		for {
			select {
			case c := <-p.conns:
				c.Close()
			default:
				p.reclaiming = false
				return
			}
		}
	}()
}
