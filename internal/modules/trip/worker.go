package trip

import (
	"context"
	"errors"
	"sync"
	"time"

	"carpool/internal/types"
)

var errWorkersClosed = errors.New("trip workers stopped")

type job struct {
	fn  func()
	ran chan struct{}
}

// worker serializes every mutation of one trip. It exits after sitting idle.
type worker struct {
	id      types.ID
	inbox   chan job
	pending int // guarded by workers.mu
}

type workers struct {
	idle time.Duration

	mu      sync.Mutex
	byTrip  map[types.ID]*worker
	closed  bool
	quit    chan struct{}
	running sync.WaitGroup
}

func newWorkers(idle time.Duration) *workers {
	return &workers{
		idle:   idle,
		byTrip: make(map[types.ID]*worker),
		quit:   make(chan struct{}),
	}
}

// do runs fn on the trip's worker and waits for it. Calls for the same trip
// run one at a time in arrival order.
func (ws *workers) do(ctx context.Context, tripID types.ID, fn func()) error {
	w, err := ws.acquire(tripID)
	if err != nil {
		return err
	}
	j := job{fn: fn, ran: make(chan struct{})}
	select {
	case w.inbox <- j:
	case <-ctx.Done():
		ws.release(w)
		return ctx.Err()
	case <-ws.quit:
		ws.release(w)
		return errWorkersClosed
	}
	// Once accepted the job always runs; wait so the caller sees its outcome.
	<-j.ran
	return nil
}

func (ws *workers) acquire(tripID types.ID) (*worker, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return nil, errWorkersClosed
	}
	w, ok := ws.byTrip[tripID]
	if !ok {
		w = &worker{id: tripID, inbox: make(chan job)}
		ws.byTrip[tripID] = w
		ws.running.Add(1)
		go ws.run(w)
	}
	w.pending++
	return w, nil
}

func (ws *workers) release(w *worker) {
	ws.mu.Lock()
	w.pending--
	ws.mu.Unlock()
}

func (ws *workers) run(w *worker) {
	defer ws.running.Done()
	idle := time.NewTimer(ws.idle)
	defer idle.Stop()
	for {
		select {
		case j := <-w.inbox:
			j.fn()
			close(j.ran)
			ws.release(w)
			idle.Reset(ws.idle)
		case <-idle.C:
			ws.mu.Lock()
			if w.pending == 0 {
				delete(ws.byTrip, w.id)
				ws.mu.Unlock()
				return
			}
			ws.mu.Unlock()
			idle.Reset(ws.idle)
		case <-ws.quit:
			return
		}
	}
}

func (ws *workers) active() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.byTrip)
}

// close stops accepting work and waits for in-flight jobs to finish.
func (ws *workers) close() {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return
	}
	ws.closed = true
	close(ws.quit)
	ws.mu.Unlock()
	ws.running.Wait()
}
