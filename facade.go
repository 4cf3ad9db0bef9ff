package amqp

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sablecore/amqp-session-go/internal/frame"
	"github.com/sablecore/amqp-session-go/internal/protocol"
)

// QueueDeclareOptions configures queue.declare. QueueDeclare starts from
// the protocol defaults (passive, durable, and exclusive false;
// auto_delete true) and then applies the caller's option funcs, so the
// struct's zero value is not the default: its AutoDelete is false.
type QueueDeclareOptions struct {
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Args       Table
}

func defaultQueueDeclareOptions() QueueDeclareOptions {
	return QueueDeclareOptions{AutoDelete: true}
}

// QueueDeclare declares a queue, returning its server-reported name,
// message count, and consumer count.
func (s *Session) QueueDeclare(name string, opts ...func(*QueueDeclareOptions)) (Queue, error) {
	if s.chanState != StateEstablished {
		return Queue{}, ErrChannelClosed
	}

	o := defaultQueueDeclareOptions()
	for _, opt := range opts {
		opt(&o)
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0) // ticket, deprecated
	builder.WriteShortString(name)
	builder.WriteFlags(o.Passive, o.Durable, o.Exclusive, o.AutoDelete, false)
	if err := builder.WriteTable(o.Args); err != nil {
		return Queue{}, err
	}

	reply, err := s.wireMethod(s.channel, protocol.ClassQueue, protocol.MethodQueueDeclare, builder.Bytes())
	if err != nil {
		return Queue{}, fmt.Errorf("queue.declare: %w", err)
	}

	args := frame.NewMethodArgs(reply.Args)
	queueName, _ := args.ReadShortString()
	messageCount, _ := args.ReadUint32()
	consumerCount, _ := args.ReadUint32()

	return Queue{Name: queueName, Messages: messageCount, Consumers: consumerCount}, nil
}

// QueueBind binds queue to exchange with routingKey (default "").
func (s *Session) QueueBind(queue, exchange, routingKey string, args Table) error {
	if s.chanState != StateEstablished {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0)
	builder.WriteShortString(queue)
	builder.WriteShortString(exchange)
	builder.WriteShortString(routingKey)
	builder.WriteFlags(false)
	if err := builder.WriteTable(args); err != nil {
		return err
	}

	if _, err := s.wireMethod(s.channel, protocol.ClassQueue, protocol.MethodQueueBind, builder.Bytes()); err != nil {
		return fmt.Errorf("queue.bind: %w", err)
	}
	return nil
}

// QueueUnbind unbinds queue from exchange with routingKey (default "").
func (s *Session) QueueUnbind(queue, exchange, routingKey string, args Table) error {
	if s.chanState != StateEstablished {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0)
	builder.WriteShortString(queue)
	builder.WriteShortString(exchange)
	builder.WriteShortString(routingKey)
	if err := builder.WriteTable(args); err != nil {
		return err
	}

	if _, err := s.wireMethod(s.channel, protocol.ClassQueue, protocol.MethodQueueUnbind, builder.Bytes()); err != nil {
		return fmt.Errorf("queue.unbind: %w", err)
	}
	return nil
}

// QueueDelete deletes queue, returning the number of messages it held.
// ifUnused and ifEmpty default to false.
func (s *Session) QueueDelete(queue string, ifUnused, ifEmpty bool) (uint32, error) {
	if s.chanState != StateEstablished {
		return 0, ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0)
	builder.WriteShortString(queue)
	builder.WriteFlags(ifUnused, ifEmpty, false)

	reply, err := s.wireMethod(s.channel, protocol.ClassQueue, protocol.MethodQueueDelete, builder.Bytes())
	if err != nil {
		return 0, fmt.Errorf("queue.delete: %w", err)
	}

	args := frame.NewMethodArgs(reply.Args)
	messageCount, _ := args.ReadUint32()
	return messageCount, nil
}

// ExchangeDeclareOptions configures exchange.declare. Zero values match
// the protocol defaults: passive/durable/auto_delete/internal are false.
// The exchange kind is passed to ExchangeDeclare separately.
type ExchangeDeclareOptions struct {
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       Table
}

// ExchangeDeclare declares an exchange of the given kind (default
// "topic" if kind == "").
func (s *Session) ExchangeDeclare(name, kind string, opts ...func(*ExchangeDeclareOptions)) error {
	if s.chanState != StateEstablished {
		return ErrChannelClosed
	}
	if kind == "" {
		kind = protocol.ExchangeTypeTopic
	}

	var o ExchangeDeclareOptions
	for _, opt := range opts {
		opt(&o)
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0)
	builder.WriteShortString(name)
	builder.WriteShortString(kind)
	builder.WriteFlags(o.Passive, o.Durable, o.AutoDelete, o.Internal, false)
	if err := builder.WriteTable(o.Args); err != nil {
		return err
	}

	if _, err := s.wireMethod(s.channel, protocol.ClassExchange, protocol.MethodExchangeDeclare, builder.Bytes()); err != nil {
		return fmt.Errorf("exchange.declare: %w", err)
	}
	return nil
}

// ExchangeBind binds destination to source with routingKey (default "").
func (s *Session) ExchangeBind(destination, source, routingKey string, args Table) error {
	if s.chanState != StateEstablished {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0)
	builder.WriteShortString(destination)
	builder.WriteShortString(source)
	builder.WriteShortString(routingKey)
	builder.WriteFlags(false)
	if err := builder.WriteTable(args); err != nil {
		return err
	}

	if _, err := s.wireMethod(s.channel, protocol.ClassExchange, protocol.MethodExchangeBind, builder.Bytes()); err != nil {
		return fmt.Errorf("exchange.bind: %w", err)
	}
	return nil
}

// ExchangeUnbind unbinds destination from source with routingKey
// (default "").
func (s *Session) ExchangeUnbind(destination, source, routingKey string, args Table) error {
	if s.chanState != StateEstablished {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0)
	builder.WriteShortString(destination)
	builder.WriteShortString(source)
	builder.WriteShortString(routingKey)
	builder.WriteFlags(false)
	if err := builder.WriteTable(args); err != nil {
		return err
	}

	if _, err := s.wireMethod(s.channel, protocol.ClassExchange, protocol.MethodExchangeUnbind, builder.Bytes()); err != nil {
		return fmt.Errorf("exchange.unbind: %w", err)
	}
	return nil
}

// ExchangeDelete deletes exchange. ifUnused defaults to true.
func (s *Session) ExchangeDelete(name string, ifUnused bool) error {
	if s.chanState != StateEstablished {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0)
	builder.WriteShortString(name)
	builder.WriteFlags(ifUnused, false)

	if _, err := s.wireMethod(s.channel, protocol.ClassExchange, protocol.MethodExchangeDelete, builder.Bytes()); err != nil {
		return fmt.Errorf("exchange.delete: %w", err)
	}
	return nil
}

// Qos sets the channel's prefetch, supplemented ahead of PrepareToConsume
// since it shares no new wire logic with basic.consume.
func (s *Session) Qos(prefetchCount uint16, prefetchSize uint32, global bool) error {
	if s.chanState != StateEstablished {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint32(prefetchSize)
	builder.WriteUint16(prefetchCount)
	builder.WriteFlags(global)

	if _, err := s.wireMethod(s.channel, protocol.ClassBasic, protocol.MethodBasicQos, builder.Bytes()); err != nil {
		return fmt.Errorf("basic.qos: %w", err)
	}
	return nil
}

// BasicConsume issues basic.consume on queue, returning the server
// confirmed consumer tag. An empty consumerTag gets a fresh UUID-derived
// default. no_local/exclusive default to false; no_ack comes from
// s.opts.NoAck (default false), resolving the no_ack source-of-truth
// ambiguity the same way for both the wire flag and the consume loop's
// ack path.
func (s *Session) BasicConsume(queue, consumerTag string, noLocal, exclusive bool, args Table) (string, error) {
	if s.chanState != StateEstablished {
		return "", ErrChannelClosed
	}
	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.New().String()[:8]
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0)
	builder.WriteShortString(queue)
	builder.WriteShortString(consumerTag)
	builder.WriteFlags(noLocal, exclusive, s.opts.NoAck, false)
	if err := builder.WriteTable(args); err != nil {
		return "", err
	}

	reply, err := s.wireMethod(s.channel, protocol.ClassBasic, protocol.MethodBasicConsume, builder.Bytes())
	if err != nil {
		return "", fmt.Errorf("basic.consume: %w", err)
	}

	replyArgs := frame.NewMethodArgs(reply.Args)
	tag, _ := replyArgs.ReadShortString()
	return tag, nil
}

// BasicCancel cancels consumerTag, blocking for cancel-ok.
func (s *Session) BasicCancel(consumerTag string) error {
	if s.chanState != StateEstablished {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteShortString(consumerTag)
	builder.WriteFlags(false)

	if _, err := s.wireMethod(s.channel, protocol.ClassBasic, protocol.MethodBasicCancel, builder.Bytes()); err != nil {
		return fmt.Errorf("basic.cancel: %w", err)
	}
	return nil
}

// PublishOptions resolves per-call publish options against the session's
// defaults, implementing the per-call ▸ session ▸ protocol-default
// precedence for basic.publish's addressing fields.
type PublishOptions struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool

	// GenerateMessageId stamps a generated MessageId onto msg.Properties
	// when it's blank. Off by default so a plain publish's properties
	// word reflects exactly what the caller set, nothing more.
	GenerateMessageId bool
}

// resolve fills blank addressing fields from the session defaults
// (mandatory/immediate have no session-level default, only per-call ▸
// protocol-default = false).
func (p PublishOptions) resolve(s *Session) PublishOptions {
	if p.Exchange == "" {
		p.Exchange = s.opts.Exchange
	}
	if p.RoutingKey == "" {
		p.RoutingKey = s.opts.RoutingKey
	}
	return p
}

// BasicPublish sends a basic.publish method followed by exactly one
// content header frame and as many body frames as needed to keep every
// body frame payload within frame_max - 8 bytes. No reply is awaited.
func (s *Session) BasicPublish(msg Publishing, opts PublishOptions) error {
	if s.chanState != StateEstablished {
		return ErrChannelClosed
	}
	opts = opts.resolve(s)
	if opts.GenerateMessageId {
		msg.Properties = withDefaultMessageId(msg.Properties)
	}

	propData, err := EncodeProperties(msg.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}

	methodBuilder := frame.NewMethodArgsBuilder()
	methodBuilder.WriteUint16(0)
	methodBuilder.WriteShortString(opts.Exchange)
	methodBuilder.WriteShortString(opts.RoutingKey)
	methodBuilder.WriteFlags(opts.Mandatory, opts.Immediate)

	if err := s.sendFrame(frame.NewMethodFrame(s.channel, protocol.ClassBasic, protocol.MethodBasicPublish, methodBuilder.Bytes())); err != nil {
		return fmt.Errorf("basic.publish: %w", err)
	}

	if err := s.sendFrame(frame.NewHeaderFrame(s.channel, protocol.ClassBasic, uint64(len(msg.Body)), propData)); err != nil {
		return fmt.Errorf("publish content header: %w", err)
	}

	for _, body := range s.splitBody(msg.Body) {
		if err := s.sendFrame(body); err != nil {
			return fmt.Errorf("publish body: %w", err)
		}
	}
	return nil
}

func (s *Session) splitBody(body []byte) []*frame.Frame {
	if len(body) == 0 {
		return nil
	}

	maxPayload := int(s.frameMax) - protocol.FrameHeaderSize - protocol.FrameEndSize
	if maxPayload <= 0 {
		maxPayload = len(body)
	}

	frames := make([]*frame.Frame, 0, (len(body)+maxPayload-1)/maxPayload)
	for offset := 0; offset < len(body); offset += maxPayload {
		end := offset + maxPayload
		if end > len(body) {
			end = len(body)
		}
		frames = append(frames, frame.NewBodyFrame(s.channel, body[offset:end]))
	}
	return frames
}

// BasicGet polls a single message from queue. ok is false when the queue
// was empty (basic.get-empty).
func (s *Session) BasicGet(queue string, noAck bool) (resp GetResponse, ok bool, err error) {
	if s.chanState != StateEstablished {
		return GetResponse{}, false, ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0)
	builder.WriteShortString(queue)
	builder.WriteFlags(noAck)

	reply, err := s.wireMethod(s.channel, protocol.ClassBasic, protocol.MethodBasicGet, builder.Bytes())
	if err != nil {
		return GetResponse{}, false, fmt.Errorf("basic.get: %w", err)
	}

	switch reply.MethodID {
	case protocol.MethodBasicGetEmpty:
		return GetResponse{}, false, nil
	case protocol.MethodBasicGetOk:
		args := frame.NewMethodArgs(reply.Args)
		deliveryTag, _ := args.ReadUint64()
		redelivered, _ := args.ReadBool()
		exchange, _ := args.ReadShortString()
		routingKey, _ := args.ReadShortString()
		messageCount, _ := args.ReadUint32()

		props, body, err := s.readContent()
		if err != nil {
			return GetResponse{}, false, err
		}

		return GetResponse{
			DeliveryTag:  deliveryTag,
			Redelivered:  redelivered,
			Exchange:     exchange,
			RoutingKey:   routingKey,
			MessageCount: messageCount,
			Properties:   props,
			Body:         body,
		}, true, nil
	default:
		return GetResponse{}, false, unexpectedReply(reply)
	}
}

// readContent reads exactly one content header frame followed by BODY
// frames until their cumulative payload equals the header's body_size.
func (s *Session) readContent() (Properties, []byte, error) {
	f, err := s.consumeFrame()
	if err != nil {
		return Properties{}, nil, err
	}
	header, err := f.ParseHeader()
	if err != nil {
		return Properties{}, nil, fmt.Errorf("expected content header: %w", err)
	}

	props, err := DecodeProperties(header.Properties)
	if err != nil {
		return Properties{}, nil, fmt.Errorf("decode properties: %w", err)
	}

	body := make([]byte, 0, header.BodySize)
	for uint64(len(body)) < header.BodySize {
		bf, err := s.consumeFrame()
		if err != nil {
			return Properties{}, nil, err
		}
		b, err := bf.ParseBody()
		if err != nil {
			return Properties{}, nil, fmt.Errorf("expected body frame: %w", err)
		}
		body = append(body, b.Data...)
	}

	return props, body, nil
}

// BasicAck acknowledges deliveryTag.
func (s *Session) BasicAck(deliveryTag uint64, multiple bool) error {
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint64(deliveryTag)
	builder.WriteFlags(multiple)
	return s.sendFrame(frame.NewMethodFrame(s.channel, protocol.ClassBasic, protocol.MethodBasicAck, builder.Bytes()))
}

// BasicNack negatively acknowledges deliveryTag.
func (s *Session) BasicNack(deliveryTag uint64, multiple, requeue bool) error {
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint64(deliveryTag)
	builder.WriteFlags(multiple, requeue)
	return s.sendFrame(frame.NewMethodFrame(s.channel, protocol.ClassBasic, protocol.MethodBasicNack, builder.Bytes()))
}

// BasicReject rejects deliveryTag, a near-free variant of BasicNack kept
// for clients targeting brokers/peers that only understand reject.
func (s *Session) BasicReject(deliveryTag uint64, requeue bool) error {
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint64(deliveryTag)
	builder.WriteFlags(requeue)
	return s.sendFrame(frame.NewMethodFrame(s.channel, protocol.ClassBasic, protocol.MethodBasicReject, builder.Bytes()))
}

// PrepareToConsume declares the session's configured queue, binds it to
// the configured exchange (skipped when Exchange == "", the default
// exchange), and issues basic.consume, in that order. Requires the
// channel to already be ESTABLISHED (i.e. Setup has succeeded).
func (s *Session) PrepareToConsume(ctx context.Context) (string, error) {
	if s.chanState != StateEstablished {
		return "", ErrNotInitialized
	}

	if _, err := s.QueueDeclare(s.opts.Queue); err != nil {
		return "", fmt.Errorf("prepare to consume: %w", err)
	}

	if s.opts.Exchange != "" {
		if err := s.QueueBind(s.opts.Queue, s.opts.Exchange, s.opts.RoutingKey, nil); err != nil {
			return "", fmt.Errorf("prepare to consume: %w", err)
		}
	}

	tag, err := s.BasicConsume(s.opts.Queue, "", false, false, nil)
	if err != nil {
		return "", fmt.Errorf("prepare to consume: %w", err)
	}
	return tag, nil
}

func unexpectedReply(reply *frame.Method) error {
	return fmt.Errorf("%w: got %s", ErrUnexpectedFrame, protocol.MethodName(reply.ClassID, reply.MethodID))
}
