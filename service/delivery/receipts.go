package delivery

import (
	"sync"
	"time"

	"roomgw/logger"
	"roomgw/service/storage"
	"roomgw/tools/errs"
)

// A receipt is created when a message is handed to a local session and
// resolved when the client acks. An unacked receipt triggers bounded
// redelivery, then defers to backfill-on-reconnect; there is no unbounded
// local retry.
type receipt struct {
	msg      storage.Message
	timer    *time.Timer
	attempts int
	acked    bool
}

type sessionReceipts struct {
	mu    sync.Mutex
	byMsg map[string]*receipt
}

// receiptTable shards pending receipts by session so ack/cancel on one
// session never contends with the fan-out of another.
type receiptTable struct {
	m sync.Map // sessionID -> *sessionReceipts
}

func (t *receiptTable) forSession(sessionID string) *sessionReceipts {
	if v, ok := t.m.Load(sessionID); ok {
		return v.(*sessionReceipts)
	}
	v, _ := t.m.LoadOrStore(sessionID, &sessionReceipts{byMsg: make(map[string]*receipt)})
	return v.(*sessionReceipts)
}

// Track registers a delivery and arms the redelivery timer. deliver re-sends
// the already-built frame; it must not block (the session send queue is
// bounded and non-blocking).
func (p *Pipeline) Track(sessionID string, msg storage.Message, deliver func() bool) {
	p.delivered.Add(1)

	sr := p.receipts.forSession(sessionID)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if _, exists := sr.byMsg[msg.MessageID]; exists {
		return // already tracked; duplicate fan-out
	}

	r := &receipt{msg: msg, attempts: 1}
	r.timer = time.AfterFunc(p.conf.AckTimeout, func() {
		p.redeliver(sessionID, msg.MessageID, deliver)
	})
	sr.byMsg[msg.MessageID] = r
}

func (p *Pipeline) redeliver(sessionID, messageID string, deliver func() bool) {
	sr := p.receipts.forSession(sessionID)
	sr.mu.Lock()
	r, ok := sr.byMsg[messageID]
	if !ok || r.acked {
		sr.mu.Unlock()
		return
	}
	if r.attempts > p.conf.MaxRedeliver {
		// Give up; reconnect backfill is the recovery path from here.
		delete(sr.byMsg, messageID)
		sr.mu.Unlock()
		logger.Debugf("[delivery] %s session=%s msg=%s attempts=%d",
			errs.ErrDeliveryTimeout.Code, sessionID, messageID, r.attempts)
		return
	}
	r.attempts++
	r.timer = time.AfterFunc(p.conf.AckTimeout, func() {
		p.redeliver(sessionID, messageID, deliver)
	})
	sr.mu.Unlock()

	p.redelivered.Add(1)
	if deliver() {
		return
	}
	// The session is gone or its queue never freed up; further attempts
	// cannot land, so the receipt drops and backfill takes over.
	sr.mu.Lock()
	if cur, ok := sr.byMsg[messageID]; ok && cur == r {
		if cur.timer != nil {
			cur.timer.Stop()
		}
		delete(sr.byMsg, messageID)
	}
	sr.mu.Unlock()
}

func (t *receiptTable) ack(sessionID, messageID string) bool {
	v, ok := t.m.Load(sessionID)
	if !ok {
		return false
	}
	sr := v.(*sessionReceipts)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	r, ok := sr.byMsg[messageID]
	if !ok {
		return false
	}
	r.acked = true
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(sr.byMsg, messageID)
	return true
}

func (t *receiptTable) cancelSession(sessionID string) {
	v, ok := t.m.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	sr := v.(*sessionReceipts)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for id, r := range sr.byMsg {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(sr.byMsg, id)
	}
}

// PendingCount reports receipts still awaiting ack for a session (tests,
// stats).
func (p *Pipeline) PendingCount(sessionID string) int {
	v, ok := p.receipts.m.Load(sessionID)
	if !ok {
		return 0
	}
	sr := v.(*sessionReceipts)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.byMsg)
}
