package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Conf holds the per-session bucket parameters. Typing gets its own, tighter
// bucket so typing spam cannot starve message delivery.
type Conf struct {
	MessagesPerSec float64
	MessageBurst   int
	TypingPerSec   float64
	TypingBurst    int
	CleanupEvery   time.Duration
	StaleAfter     time.Duration
}

func (c *Conf) norm() {
	if c.MessagesPerSec <= 0 {
		c.MessagesPerSec = 5
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 10
	}
	if c.TypingPerSec <= 0 {
		c.TypingPerSec = 1
	}
	if c.TypingBurst <= 0 {
		c.TypingBurst = 3
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = 3 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
}

type buckets struct {
	msg      *rate.Limiter
	typing   *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks token buckets per session. Buckets disappear with the
// session (Remove on disconnect) and a sweep covers anything leaked.
type Limiter struct {
	mu       sync.Mutex
	sessions map[string]*buckets
	conf     Conf
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(conf Conf) *Limiter {
	conf.norm()
	l := &Limiter{
		sessions: make(map[string]*buckets),
		conf:     conf,
		stopCh:   make(chan struct{}),
	}
	go l.sweeper()
	return l
}

func (l *Limiter) get(sessionID string) *buckets {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.sessions[sessionID]
	if !ok {
		b = &buckets{
			msg:    rate.NewLimiter(rate.Limit(l.conf.MessagesPerSec), l.conf.MessageBurst),
			typing: rate.NewLimiter(rate.Limit(l.conf.TypingPerSec), l.conf.TypingBurst),
		}
		l.sessions[sessionID] = b
	}
	b.lastSeen = time.Now()
	return b
}

// AllowMessage admits message sends, joins, leaves and sync requests.
// Acks are deliberately exempt; see the ack handler.
func (l *Limiter) AllowMessage(sessionID string) bool {
	return l.get(sessionID).msg.Allow()
}

// AllowTyping admits typing start/stop and presence updates.
func (l *Limiter) AllowTyping(sessionID string) bool {
	return l.get(sessionID).typing.Allow()
}

// Remove drops the session's buckets; called on disconnect.
func (l *Limiter) Remove(sessionID string) {
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}

func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) sweeper() {
	t := time.NewTicker(l.conf.CleanupEvery)
	defer t.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case now := <-t.C:
			l.mu.Lock()
			for id, b := range l.sessions {
				if now.Sub(b.lastSeen) > l.conf.StaleAfter {
					delete(l.sessions, id)
				}
			}
			l.mu.Unlock()
		}
	}
}
