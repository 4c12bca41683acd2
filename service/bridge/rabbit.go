package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"roomgw/logger"
	"roomgw/tools/safe"
)

const (
	roomExchange     = "gw.rooms"
	presenceExchange = "gw.presence"
)

// RabbitBridge is the AMQP-backed Bridge: a topic exchange for room events
// (routing key per room) and a fanout exchange for presence. It has no
// cluster member-count primitive, so MemberCount degrades to the local count.
type RabbitBridge struct {
	conn *amqp.Connection

	mu      sync.RWMutex
	pub     *amqp.Channel
	countFn func(roomID string) int
}

func NewRabbitBridge(url string) (*RabbitBridge, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "connect rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(roomExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare room exchange")
	}
	if err := ch.ExchangeDeclare(presenceExchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare presence exchange")
	}
	return &RabbitBridge{conn: conn, pub: ch}, nil
}

func (b *RabbitBridge) publish(ctx context.Context, exchange, key string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	b.mu.RLock()
	ch := b.pub
	b.mu.RUnlock()
	return ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
	})
}

func (b *RabbitBridge) PublishRoom(ctx context.Context, ev RoomEvent) error {
	return b.publish(ctx, roomExchange, "room."+encodeRoom(ev.RoomID), ev)
}

func (b *RabbitBridge) SubscribeRoom(roomID string, h func(RoomEvent)) (Subscription, error) {
	return b.consume(roomExchange, "room."+encodeRoom(roomID), func(body []byte) {
		var ev RoomEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			logger.Warnf("[bridge] drop bad room event room=%s err=%v", roomID, err)
			return
		}
		h(ev)
	})
}

func (b *RabbitBridge) PublishPresence(ctx context.Context, ev PresenceEvent) error {
	return b.publish(ctx, presenceExchange, "", ev)
}

func (b *RabbitBridge) SubscribePresence(h func(PresenceEvent)) (Subscription, error) {
	return b.consume(presenceExchange, "", func(body []byte) {
		var ev PresenceEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			logger.Warnf("[bridge] drop bad presence event err=%v", err)
			return
		}
		h(ev)
	})
}

// consume binds a private auto-delete queue to the exchange and pumps
// deliveries through fn on a single goroutine, preserving per-queue order.
func (b *RabbitBridge) consume(exchange, key string, fn func([]byte)) (Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "declare queue")
	}
	if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "bind queue")
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "consume")
	}
	safe.Go(func() {
		for d := range deliveries {
			fn(d.Body)
		}
	})
	return rabbitSub{ch: ch}, nil
}

func (b *RabbitBridge) ServeCounts(fn func(roomID string) int) {
	b.mu.Lock()
	b.countFn = fn
	b.mu.Unlock()
}

// MemberCount reports the local count only; AMQP gives us no cheap
// scatter-gather, so the cluster estimate degrades to this process.
func (b *RabbitBridge) MemberCount(ctx context.Context, roomID string) (int, error) {
	b.mu.RLock()
	fn := b.countFn
	b.mu.RUnlock()
	if fn == nil {
		return 0, nil
	}
	return fn(roomID), nil
}

func (b *RabbitBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub != nil {
		_ = b.pub.Close()
	}
	return b.conn.Close()
}

type rabbitSub struct{ ch *amqp.Channel }

func (r rabbitSub) Unsubscribe() error { return r.ch.Close() }
