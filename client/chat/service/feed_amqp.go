package service

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"buddy_client/client/chat/domain"
	"buddy_client/client/common/infra/mq"
)

// AMQPFeed binds an exclusive, auto-deleted queue to the chat events
// exchange for one conversation.
type AMQPFeed struct {
	conn *amqp.Connection
}

func NewAMQPFeed(conn *amqp.Connection) *AMQPFeed {
	return &AMQPFeed{conn: conn}
}

// RoutingKey is the topic key message.created events are published with.
func RoutingKey(pair domain.Pair) string {
	a, b := pair.Self, pair.Peer
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("message.created.%s.%s", a, b)
}

func (f *AMQPFeed) Subscribe(ctx context.Context, pair domain.Pair) (Stream, error) {
	if f.conn == nil || f.conn.IsClosed() {
		return nil, amqp.ErrClosed
	}
	ch, err := f.conn.Channel()
	if err != nil {
		return nil, err
	}
	fail := func(err error) (Stream, error) {
		_ = ch.Close()
		return nil, err
	}
	if err := mq.DeclareChatExchange(ch); err != nil {
		return fail(err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail(err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(pair), mq.ChatEventsExchange, false, nil); err != nil {
		return fail(err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fail(err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	p := newPipe(ch.Close)
	go func() {
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					p.finish(nil)
					return
				}
				m, ok := decodeEnvelope(d.Body)
				if !ok || !pair.Involves(m) {
					continue
				}
				if !p.push(m) {
					p.finish(nil)
					return
				}
			case amqpErr, ok := <-closed:
				if ok && amqpErr != nil {
					p.finish(amqpErr)
				} else {
					p.finish(nil)
				}
				return
			}
		}
	}()
	return p, nil
}
