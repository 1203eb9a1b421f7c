package repair

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Enqueuer is the durable destination for recount requests.
type Enqueuer interface {
	EnqueueRecount(ctx context.Context, boardID, userID string) error
}

type recountJob struct {
	boardID string
	userID  string
}

// Dispatcher hands recount requests to background workers so mutation paths
// never wait on the queue. When the buffer is saturated past the handoff
// timeout the request is sent inline.
type Dispatcher struct {
	dest           Enqueuer
	logger         *log.Logger
	jobs           chan recountJob
	enqueueTimeout time.Duration
	handoffTimeout time.Duration

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewDispatcher starts the worker goroutines.
func NewDispatcher(dest Enqueuer, workers, buffer int, logger *log.Logger) *Dispatcher {
	if workers < 1 {
		workers = 4
	}
	if buffer < 1 {
		buffer = 1024
	}
	d := &Dispatcher{
		dest:           dest,
		logger:         logger,
		jobs:           make(chan recountJob, buffer),
		enqueueTimeout: 30 * time.Second,
		handoffTimeout: 15 * time.Millisecond,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), d.enqueueTimeout)
		err := d.dest.EnqueueRecount(ctx, j.boardID, j.userID)
		cancel()
		if err != nil {
			d.logger.WithError(err).WithFields(log.Fields{
				"board": j.boardID,
				"user":  j.userID,
			}).Error("recount enqueue failed")
		}
	}
}

// EnqueueRecount hands the request to a worker, falling back to an inline
// enqueue when the buffer stays full past the handoff timeout.
func (d *Dispatcher) EnqueueRecount(ctx context.Context, boardID, userID string) error {
	job := recountJob{boardID: boardID, userID: userID}

	if ok, closed := d.trySend(job, nil); ok {
		return nil
	} else if !closed {
		timer := time.NewTimer(d.handoffTimeout)
		defer timer.Stop()
		if ok, _ := d.trySend(job, timer.C); ok {
			return nil
		}
		d.logger.Warn("recount buffer saturated, enqueueing inline")
	}
	return d.dest.EnqueueRecount(ctx, boardID, userID)
}

// trySend attempts a handoff. A nil deadline makes it non-blocking. The
// recover guards against a request racing Close.
func (d *Dispatcher) trySend(job recountJob, deadline <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	if deadline == nil {
		select {
		case d.jobs <- job:
			return true, false
		default:
			return false, false
		}
	}
	select {
	case d.jobs <- job:
		return true, false
	case <-deadline:
		return false, false
	}
}

// Close stops accepting work and waits for the workers to drain the buffer.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.jobs) })
	d.wg.Wait()
}
