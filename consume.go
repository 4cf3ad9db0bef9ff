package amqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sablecore/amqp-session-go/internal/frame"
	"github.com/sablecore/amqp-session-go/internal/protocol"
)

// Consume drives the session's read loop until a terminal condition is
// hit (transport failure, peer-initiated close, heartbeat timeout, or
// ctx cancellation), then runs Teardown and returns. It must be called
// after Setup and PrepareToConsume have both succeeded, and owns the
// transport exclusively for its duration: no other Session method may be
// called concurrently from another goroutine.
//
// cb is invoked synchronously for every assembled Delivery; a non-nil
// return becomes a basic.nack instead of a basic.ack (unless NoAck is
// configured, in which case neither is sent). A panic or error from cb
// is caught and logged rather than allowed to kill the loop.
func (s *Session) Consume(ctx context.Context, cb DeliveryFunc) error {
	if s.chanState != StateEstablished {
		return ErrNotInitialized
	}
	if cb == nil {
		cb = s.opts.Callback
	}
	if cb == nil {
		return fmt.Errorf("%w: no delivery callback given or configured via WithCallback", ErrNotInitialized)
	}

	var pendingDeliver *frame.Method
	var pendingHeader *frame.Header
	var pendingBody []byte

	var loopErr error

loop:
	for {
		select {
		case <-ctx.Done():
			loopErr = ErrCancelled
			break loop
		default:
		}

		f, err := s.consumeFrame()
		if err != nil {
			if isTimeout(err) {
				s.onReadTimeout()
				if s.hb.timedOut() {
					loopErr = ErrHeartbeatTimeout
					break loop
				}
				continue
			}
			s.setState(StateClosed, StateClosed)
			loopErr = err
			break loop
		}

		switch f.Type {
		case protocol.FrameMethod:
			method, err := f.ParseMethod()
			if err != nil {
				s.log.Warn().Err(err).Msg("malformed method frame")
				continue
			}

			switch {
			case method.ClassID == protocol.ClassChannel && method.MethodID == protocol.MethodChannelClose:
				s.setState(StateCloseWait, s.connState)
				loopErr = ErrChannelClosed
				break loop

			case method.ClassID == protocol.ClassConnection && method.MethodID == protocol.MethodConnectionClose:
				s.setState(StateClosed, StateCloseWait)
				loopErr = ErrClosed
				break loop

			case method.ClassID == protocol.ClassBasic && method.MethodID == protocol.MethodBasicDeliver:
				pendingDeliver = method

			default:
				s.log.Debug().Str("method", protocol.MethodName(method.ClassID, method.MethodID)).Msg("ignored method frame in consume loop")
			}

		case protocol.FrameHeader:
			header, err := f.ParseHeader()
			if err != nil {
				s.log.Warn().Err(err).Msg("malformed header frame")
				continue
			}
			pendingHeader = header
			pendingBody = make([]byte, 0, header.BodySize)

		case protocol.FrameBody:
			body, err := f.ParseBody()
			if err != nil {
				s.log.Warn().Err(err).Msg("malformed body frame")
				continue
			}
			pendingBody = append(pendingBody, body.Data...)

			if pendingHeader == nil || uint64(len(pendingBody)) < pendingHeader.BodySize {
				continue
			}

			if err := s.dispatchDelivery(pendingDeliver, pendingHeader, pendingBody, cb); err != nil {
				s.log.Warn().Err(err).Msg("delivery dispatch failed")
			}
			pendingDeliver, pendingHeader, pendingBody = nil, nil, nil

		case protocol.FrameHeartbeat:
			s.hb.recordActivity(time.Now())
			if err := s.sendFrame(frame.NewHeartbeatFrame()); err != nil {
				s.log.Warn().Err(err).Msg("send heartbeat echo")
			}
		}
	}

	s.Teardown(CloseReason{})
	return loopErr
}

// onReadTimeout implements the heartbeat bookkeeping that runs whenever a
// read times out: if more than one heartbeat interval has elapsed with no
// activity, record a miss and send a heartbeat of our own.
func (s *Session) onReadTimeout() {
	now := time.Now()
	if !s.hb.due(now) {
		return
	}
	s.hb.recordMiss(now)
	if err := s.sendFrame(frame.NewHeartbeatFrame()); err != nil {
		s.log.Warn().Err(err).Msg("send heartbeat")
	}
}

func (s *Session) dispatchDelivery(method *frame.Method, header *frame.Header, body []byte, cb DeliveryFunc) error {
	if method == nil {
		return errors.New("body frame with no pending basic.deliver")
	}

	args := frame.NewMethodArgs(method.Args)
	consumerTag, _ := args.ReadShortString()
	deliveryTag, _ := args.ReadUint64()
	redelivered, _ := args.ReadBool()
	exchange, _ := args.ReadShortString()
	routingKey, _ := args.ReadShortString()

	props, err := DecodeProperties(header.Properties)
	if err != nil {
		return err
	}

	delivery := Delivery{
		ConsumerTag: consumerTag,
		DeliveryTag: deliveryTag,
		Redelivered: redelivered,
		Exchange:    exchange,
		RoutingKey:  routingKey,
		Properties:  props,
		Body:        body,
	}

	cbErr := s.invokeCallback(cb, delivery)
	if cbErr != nil {
		s.log.Warn().Err(cbErr).Uint64("delivery_tag", deliveryTag).Msg("delivery callback failed")
	}

	if s.opts.NoAck {
		return nil
	}
	if cbErr != nil {
		return s.BasicNack(deliveryTag, false, true)
	}
	return s.BasicAck(deliveryTag, false)
}

// invokeCallback guards the user callback so that a panic cannot
// propagate and kill the consume loop; it surfaces as a callback error
// instead, which becomes a basic.nack.
func (s *Session) invokeCallback(cb DeliveryFunc, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("delivery callback panicked")
			err = errors.New("delivery callback panicked")
		}
	}()
	return cb(d)
}
