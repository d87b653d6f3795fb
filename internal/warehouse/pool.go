package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
)

// poolConn is one pooled connection with its health flag. A connection
// marked unhealthy is discarded and replaced on its next acquisition.
type poolConn struct {
	conn *sql.Conn

	mu        sync.Mutex
	unhealthy bool
}

func (pc *poolConn) markUnhealthy() {
	pc.mu.Lock()
	pc.unhealthy = true
	pc.mu.Unlock()
}

func (pc *poolConn) isUnhealthy() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.unhealthy
}

// pool is a fixed-size connection pool. Slots travel through a buffered
// channel; a nil slot means the connection is created on first use
// (lazy init). Acquisition honors the configured timeout.
type pool struct {
	db      *sql.DB
	slots   chan *poolConn
	size    int
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newPool(db *sql.DB, cfg Config, logger *slog.Logger) (*pool, error) {
	p := &pool{
		db:      db,
		slots:   make(chan *poolConn, cfg.PoolSize),
		size:    cfg.PoolSize,
		timeout: cfg.AcquireTimeout,
		logger:  logger,
	}

	// database/sql must allow at least pool-size concurrent conns
	db.SetMaxOpenConns(cfg.PoolSize + 1)

	for i := 0; i < cfg.PoolSize; i++ {
		if cfg.LazyInit {
			p.slots <- nil
			continue
		}
		pc, err := p.dial(context.Background())
		if err != nil {
			p.close()
			return nil, &tserrors.ConnectionError{
				Message: fmt.Sprintf("initializing pool connection %d/%d", i+1, cfg.PoolSize),
				Err:     err,
			}
		}
		p.slots <- pc
	}
	logger.Debug("pool ready", "size", cfg.PoolSize, "lazy", cfg.LazyInit)
	return p, nil
}

func (p *pool) dial(ctx context.Context) (*poolConn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &poolConn{conn: conn}, nil
}

// acquire takes a connection from the pool, replacing unhealthy ones.
func (p *pool) acquire(ctx context.Context) (*poolConn, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case pc := <-p.slots:
		return p.ready(ctx, pc)
	case <-timer.C:
		return nil, &tserrors.ConnectionError{
			Message: fmt.Sprintf("connection acquire timed out after %s", p.timeout),
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ready probes the slot's connection and replaces it when needed. A
// failed replacement returns the slot to keep the pool at full size.
func (p *pool) ready(ctx context.Context, pc *poolConn) (*poolConn, error) {
	if pc != nil && !pc.isUnhealthy() {
		if err := pc.conn.PingContext(ctx); err == nil {
			return pc, nil
		}
		pc.markUnhealthy()
	}

	if pc != nil {
		p.logger.Debug("discarding unhealthy connection")
		_ = pc.conn.Close()
	}

	fresh, err := p.dial(ctx)
	if err != nil {
		p.slots <- nil
		return nil, &tserrors.ConnectionError{Message: "replacing connection", Err: err}
	}
	return fresh, nil
}

// release returns a connection to the pool.
func (p *pool) release(pc *poolConn) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = pc.conn.Close()
		return
	}
	p.slots <- pc
}

func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case pc := <-p.slots:
			if pc != nil {
				_ = pc.conn.Close()
			}
		default:
			return
		}
	}
}
