package ldapstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

// PoolOptions configures the connection pool.
type PoolOptions struct {
	ReadURLs     []string // read replicas, dialed round-robin
	WriteURL     string   // primary master for the exclusive write session
	BindDN       string
	BindPassword string
	StartTLS     bool

	ReadConns      int           // size of the read pool, spread across ReadURLs
	AcquireTimeout time.Duration // bound on waiting for a free read conn
	NetworkTimeout time.Duration // per-operation network timeout on every conn
}

// Pool holds a set of read connections handed out round-robin plus one
// exclusive write connection. Read connections are spread round-robin
// across the read replica URLs; LDAP writes to the same subtree are
// serialized through the write connection so OU provisioning and entry
// adds never interleave.
type Pool struct {
	opts PoolOptions
	rr   atomic.Uint32 // next read replica index

	mu    sync.Mutex
	reads chan *ldap.Conn

	writeMu sync.Mutex
	write   *ldap.Conn
}

// NewPool dials the configured number of read connections plus the write
// connection, binding each with the configured credentials.
func NewPool(ctx context.Context, opts PoolOptions) (*Pool, error) {
	if len(opts.ReadURLs) == 0 {
		return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, "ldap pool needs at least one read URL")
	}
	if opts.WriteURL == "" {
		opts.WriteURL = opts.ReadURLs[0]
	}
	if opts.ReadConns <= 0 {
		opts.ReadConns = 4
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}

	p := &Pool{opts: opts, reads: make(chan *ldap.Conn, opts.ReadConns)}

	for i := 0; i < opts.ReadConns; i++ {
		conn, err := p.dialRead()
		if err != nil {
			p.Close()
			return nil, errors.Wrapf(err, "dial read connection %d", i)
		}
		p.reads <- conn
	}
	write, err := p.dial(opts.WriteURL)
	if err != nil {
		p.Close()
		return nil, errors.Wrap(err, "dial write connection")
	}
	p.write = write

	log.G(ctx).WithFields(log.Fields{
		"read-hosts": len(opts.ReadURLs),
		"reads":      opts.ReadConns,
		"write":      opts.WriteURL,
	}).Info("ldap pool ready")
	return p, nil
}

// dialRead connects to the next read replica in round-robin order.
func (p *Pool) dialRead() (*ldap.Conn, error) {
	n := p.rr.Add(1) - 1
	return p.dial(p.opts.ReadURLs[int(n)%len(p.opts.ReadURLs)])
}

func (p *Pool) dial(url string) (*ldap.Conn, error) {
	conn, err := ldap.DialURL(url)
	if err != nil {
		return nil, err
	}
	if p.opts.NetworkTimeout > 0 {
		conn.SetTimeout(p.opts.NetworkTimeout)
	}
	if p.opts.StartTLS {
		if err := conn.StartTLS(&tls.Config{MinVersion: tls.VersionTLS12}); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "starttls")
		}
	}
	if p.opts.BindDN != "" {
		if err := conn.Bind(p.opts.BindDN, p.opts.BindPassword); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "bind")
		}
	}
	return conn, nil
}

// acquireRead takes a read connection, waiting at most AcquireTimeout.
func (p *Pool) acquireRead(ctx context.Context) (*ldap.Conn, error) {
	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()
	select {
	case conn := <-p.reads:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.Wrapf(context.DeadlineExceeded,
			"no ldap read connection available within %s", p.opts.AcquireTimeout)
	}
}

// releaseRead returns the connection, redialing if the caller reported it
// broken.
func (p *Pool) releaseRead(conn *ldap.Conn, broken bool) {
	if broken {
		conn.Close()
		fresh, err := p.dialRead()
		if err != nil {
			// slot stays empty until the next redial attempt
			go p.refill()
			return
		}
		conn = fresh
	}
	select {
	case p.reads <- conn:
	default:
		conn.Close()
	}
}

func (p *Pool) refill() {
	time.Sleep(time.Second)
	conn, err := p.dialRead()
	if err != nil {
		return
	}
	select {
	case p.reads <- conn:
	default:
		conn.Close()
	}
}

// WithRead runs fn on a pooled read connection.
func (p *Pool) WithRead(ctx context.Context, fn func(*ldap.Conn) error) error {
	conn, err := p.acquireRead(ctx)
	if err != nil {
		return err
	}
	err = fn(conn)
	p.releaseRead(conn, isConnError(err))
	return err
}

// WithWrite runs fn on the exclusive write connection, redialing once when
// the connection has gone away.
func (p *Pool) WithWrite(ctx context.Context, fn func(*ldap.Conn) error) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	err := fn(p.write)
	if isConnError(err) {
		log.G(ctx).WithError(err).Warn("ldap write connection lost, redialing")
		p.write.Close()
		fresh, derr := p.dial(p.opts.WriteURL)
		if derr != nil {
			return errors.Wrap(cerrdefs.ErrUnavailable, fmt.Sprintf("ldap redial: %v", derr))
		}
		p.write = fresh
		err = fn(p.write)
	}
	return err
}

func isConnError(err error) bool {
	if err == nil {
		return false
	}
	return ldap.IsErrorWithCode(err, ldap.ErrorNetwork) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultServerDown)
}

// Close shuts down every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.reads)
	for conn := range p.reads {
		conn.Close()
	}
	p.reads = make(chan *ldap.Conn)
	if p.write != nil {
		p.write.Close()
		p.write = nil
	}
}
