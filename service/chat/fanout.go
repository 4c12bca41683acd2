package chat

import (
	"sync"

	"roomgw/logger"
	"roomgw/tools/safe"
)

type fanoutJob struct {
	sessions []*Session
	payload  []byte
}

// Fanout spreads one payload across many sessions on a small worker pool so a
// large room does not serialize behind one goroutine. Enqueue into each
// session is non-blocking; ordering across fan-out jobs is not guaranteed,
// which is fine for typing and presence. Messages never go through here.
type Fanout struct {
	jobs     chan fanoutJob
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 256
	}
	f := &Fanout{jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		safe.Go(func() {
			defer f.wg.Done()
			for job := range f.jobs {
				for _, s := range job.sessions {
					s.Enqueue(job.payload)
				}
			}
		})
	}
	return f
}

// Broadcast queues one payload for the given sessions. Drops the whole job if
// the pool queue is full rather than stalling the caller.
func (f *Fanout) Broadcast(sessions []*Session, payload []byte) {
	if len(sessions) == 0 {
		return
	}
	select {
	case f.jobs <- fanoutJob{sessions: sessions, payload: payload}:
	default:
		logger.Warnf("[fanout] queue full, drop broadcast to %d sessions", len(sessions))
	}
}

func (f *Fanout) Close() {
	f.stopOnce.Do(func() { close(f.jobs) })
	f.wg.Wait()
}
