package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
	"github.com/maruel/odb/internal/odb"
)

// Job is a queued invocation.
type Job struct {
	ID      string `cbor:"id"`
	Name    string `cbor:"name"`
	User    string `cbor:"user,omitempty"`
	Payload []byte `cbor:"payload,omitempty"`

	reply chan []byte
}

// Result is the CBOR encoded Response of a job.
type Result struct {
	ID       string
	Response []byte
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of workers. The default is 1.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithDBOptions sets the options of the database each worker opens.
func WithDBOptions(opts ...odb.Option) PoolOption {
	return func(p *Pool) {
		p.dbOpts = opts
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.log = l
	}
}

// Pool runs jobs on workers. Each worker owns its own odb.DB over the shared
// driver, so no Document is ever shared between a worker and the submitter.
type Pool struct {
	mux     *Mux
	drv     driver.Driver
	dbOpts  []odb.Option
	workers int
	log     *slog.Logger

	jobs    chan *Job
	results chan Result
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  atomic.Bool
}

// NewPool starts a Pool running the handlers of mux over drv.
func NewPool(mux *Mux, drv driver.Driver, opts ...PoolOption) (*Pool, error) {
	p := &Pool{mux: mux, drv: drv, workers: 1, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.jobs = make(chan *Job, p.workers)
	p.results = make(chan Result, p.workers)
	p.done = make(chan struct{})
	dbs := make([]*odb.DB, p.workers)
	for i := range dbs {
		db, err := odb.New(drv, p.dbOpts...)
		if err != nil {
			for _, d := range dbs[:i] {
				_ = d.Close()
			}
			return nil, err
		}
		dbs[i] = db
	}
	for i, db := range dbs {
		p.wg.Add(1)
		go p.work(i, db)
	}
	return p, nil
}

// Results delivers the outcome of jobs submitted with Submit. It is closed
// by Close. Callers must drain it; results still unread once Close is called
// may be dropped.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Submit queues a job and returns its ID. payload is CBOR encoded; the
// outcome is delivered on Results.
func (p *Pool) Submit(ctx context.Context, name, user string, payload any) (string, error) {
	j, err := p.newJob(name, user, payload)
	if err != nil {
		return "", err
	}
	return j.ID, p.enqueue(ctx, j)
}

// Do runs a job and waits for its response.
func (p *Pool) Do(ctx context.Context, name, user string, payload any) (*Response, error) {
	j, err := p.newJob(name, user, payload)
	if err != nil {
		return nil, err
	}
	j.reply = make(chan []byte, 1)
	if err := p.enqueue(ctx, j); err != nil {
		return nil, err
	}
	select {
	case raw := <-j.reply:
		resp := &Response{}
		if err := cbor.Unmarshal(raw, resp); err != nil {
			return nil, errors.New(errors.CodeInternal, "failed to decode response").Wrap(err)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting jobs, waits for queued ones and stops the workers.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	// Unblocks pending Submits and workers waiting on Results before taking
	// the write lock.
	close(p.done)
	p.mu.Lock()
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
	close(p.results)
	return nil
}

func (p *Pool) newJob(name, user string, payload any) (*Job, error) {
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = cbor.Marshal(payload); err != nil {
			return nil, errors.Invalid("payload is not serializable: " + err.Error())
		}
	}
	return &Job{ID: uuid.NewString(), Name: name, User: user, Payload: raw}, nil
}

func (p *Pool) enqueue(ctx context.Context, j *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return errors.Closed("job pool")
	}
	select {
	case p.jobs <- j:
		return nil
	case <-p.done:
		return errors.Closed("job pool")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) work(i int, db *odb.DB) {
	defer p.wg.Done()
	defer db.Close()
	log := p.log.With("worker", i)
	for j := range p.jobs {
		start := time.Now()
		resp := p.mux.Invoke(context.Background(), j.Name, j.Payload, Env{User: j.User, DB: db})
		// Documents live for one job.
		for _, d := range db.Documents().Documents() {
			d.Dispose()
		}
		if resp.Error != nil {
			log.Warn("job failed", "job", j.Name, "id", j.ID, "code", resp.Error.Code, "err", resp.Error.Error)
		} else {
			log.Debug("job done", "job", j.Name, "id", j.ID, "dur", time.Since(start).Round(time.Millisecond))
		}
		raw, err := cbor.Marshal(&resp)
		if err != nil {
			log.Error("failed to encode response", "job", j.Name, "id", j.ID, "err", err)
			continue
		}
		if j.reply != nil {
			j.reply <- raw
			continue
		}
		p.deliver(log, Result{ID: j.ID, Response: raw})
	}
}

// deliver sends r on Results. Once the pool is closing it drops r instead of
// waiting for a reader.
func (p *Pool) deliver(log *slog.Logger, r Result) {
	select {
	case p.results <- r:
		return
	default:
	}
	select {
	case p.results <- r:
	case <-p.done:
		log.Warn("dropping result of an undrained pool", "id", r.ID)
	}
}
