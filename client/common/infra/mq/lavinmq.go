package mq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const ChatEventsExchange = "chat.events"

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
}

// DeclareChatExchange makes sure the topic exchange the backend publishes
// chat events to exists before a consumer binds to it.
func DeclareChatExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(ChatEventsExchange, "topic", true, false, false, false, nil)
}
