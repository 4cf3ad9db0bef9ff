package amqp

// Delivery is a message handed to the consume loop's callback, assembled
// from a basic.deliver method plus its content header and body frames.
// Acking is centralized in the consume loop rather than on the delivery
// itself: the callback's return value decides ack vs nack.
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string

	Properties Properties
	Body       []byte
}

// GetResponse is the result of a BasicGet poll.
type GetResponse struct {
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32

	Properties Properties
	Body       []byte
}

// Queue describes a queue's state as reported by queue.declare-ok.
type Queue struct {
	Name      string
	Messages  uint32
	Consumers uint32
}
