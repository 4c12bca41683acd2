package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"roomgw/logger"
)

const (
	roomSubjectPrefix = "gw.rooms."
	presenceSubject   = "gw.presence"
	countsSubject     = "gw.counts"
)

// NatsConfig mirrors the connection knobs we actually tune.
type NatsConfig struct {
	Servers       []string
	Name          string // gateway id, shows up in monitoring
	ReconnectWait time.Duration
	Timeout       time.Duration
	GatherWait    time.Duration // member-count scatter-gather window
}

func (c *NatsConfig) norm() {
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.GatherWait == 0 {
		c.GatherWait = 150 * time.Millisecond
	}
}

// NatsBridge is the primary Bridge implementation. Room topics map to one
// subject per room; the member-count primitive is a request/reply
// scatter-gather over a shared counts subject.
type NatsBridge struct {
	cfg NatsConfig
	nc  *nats.Conn

	mu       sync.RWMutex
	countFn  func(roomID string) int
	countSub *nats.Subscription
}

func NewNatsBridge(cfg NatsConfig) (*NatsBridge, error) {
	cfg.norm()
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(joinServers(cfg.Servers), opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBridge{cfg: cfg, nc: nc}, nil
}

func joinServers(servers []string) string {
	out := servers[0]
	for _, s := range servers[1:] {
		out += "," + s
	}
	return out
}

func (b *NatsBridge) PublishRoom(ctx context.Context, ev RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.nc.Publish(roomSubjectPrefix+encodeRoom(ev.RoomID), data)
}

// SubscribeRoom delivers room events in subject order: nats.go dispatches a
// subscription's handler from a single goroutine, which is what preserves
// per-room seq order on this process.
func (b *NatsBridge) SubscribeRoom(roomID string, h func(RoomEvent)) (Subscription, error) {
	sub, err := b.nc.Subscribe(roomSubjectPrefix+encodeRoom(roomID), func(m *nats.Msg) {
		var ev RoomEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			logger.Warnf("[bridge] drop bad room event room=%s err=%v", roomID, err)
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, err
	}
	return natsSub{sub}, nil
}

func (b *NatsBridge) PublishPresence(ctx context.Context, ev PresenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.nc.Publish(presenceSubject, data)
}

func (b *NatsBridge) SubscribePresence(h func(PresenceEvent)) (Subscription, error) {
	sub, err := b.nc.Subscribe(presenceSubject, func(m *nats.Msg) {
		var ev PresenceEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			logger.Warnf("[bridge] drop bad presence event err=%v", err)
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, err
	}
	return natsSub{sub}, nil
}

// ServeCounts starts answering member-count queries with fn's local counts.
func (b *NatsBridge) ServeCounts(fn func(roomID string) int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.countFn = fn
	if b.countSub != nil {
		return
	}
	sub, err := b.nc.Subscribe(countsSubject, func(m *nats.Msg) {
		b.mu.RLock()
		f := b.countFn
		b.mu.RUnlock()
		if f == nil || m.Reply == "" {
			return
		}
		n := f(decodeRoomOr(string(m.Data)))
		_ = m.Respond([]byte(strconv.Itoa(n)))
	})
	if err != nil {
		logger.Errorf("[bridge] counts subscribe failed: %v", err)
		return
	}
	b.countSub = sub
}

// MemberCount publishes a count query and sums every reply that arrives
// within the gather window. The local process answers its own query, so the
// result includes local members.
func (b *NatsBridge) MemberCount(ctx context.Context, roomID string) (int, error) {
	inbox := nats.NewInbox()
	sub, err := b.nc.SubscribeSync(inbox)
	if err != nil {
		return 0, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.nc.PublishRequest(countsSubject, inbox, []byte(encodeRoom(roomID))); err != nil {
		return 0, err
	}

	total := 0
	deadline := time.Now().Add(b.cfg.GatherWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			break
		}
		m, err := sub.NextMsg(remain)
		if err != nil {
			break
		}
		if n, err := strconv.Atoi(string(m.Data)); err == nil {
			total += n
		}
	}
	return total, nil
}

func (b *NatsBridge) Close() error {
	b.mu.Lock()
	if b.countSub != nil {
		_ = b.countSub.Drain()
		b.countSub = nil
	}
	b.mu.Unlock()
	return b.nc.Drain()
}

type natsSub struct{ s *nats.Subscription }

func (n natsSub) Unsubscribe() error { return n.s.Unsubscribe() }

func decodeRoomOr(enc string) string {
	if dec, err := decodeRoom(enc); err == nil {
		return dec
	}
	return enc
}
