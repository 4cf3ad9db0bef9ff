package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sablecore/amqp-session-go/internal/frame"
	"github.com/sablecore/amqp-session-go/internal/protocol"
)

// ConnState is one of the two lifecycle flags a Session carries: the
// connection-level state and, independently, the channel-level state.
type ConnState int

const (
	StateClosed ConnState = iota
	StateEstablished
	StateCloseWait
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateCloseWait:
		return "CLOSE_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Session owns one TCP (or TLS) transport, one channel, and all state
// negotiated with the broker over it. It is not safe for concurrent use:
// all I/O happens from whichever goroutine calls Setup, an operation
// method, or Consume.
type Session struct {
	opts Options
	log  zerolog.Logger

	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer

	frameMax   uint32
	channelMax uint16
	heartbeat  time.Duration
	channel    uint16

	connState ConnState
	chanState ConnState

	// ongoing records the class/method of the last method this session
	// sent and is awaiting a synchronous reply for, so a peer-initiated
	// close reason can be decorated with it when the caller supplies none.
	ongoingClass  uint16
	ongoingMethod uint16

	hb *heartbeatTracker
}

// NewSession builds a Session from opts without performing any I/O. Call
// Setup to dial the transport and run the handshake.
func NewSession(opts ...Option) *Session {
	o := NewOptions(opts...)
	return &Session{
		opts:      o,
		log:       o.Logger,
		connState: StateClosed,
		chanState: StateClosed,
	}
}

// setState is the sole mutator of the two lifecycle flags; every
// transition in the connection driver and consume loop goes through it.
func (s *Session) setState(chanState, connState ConnState) {
	s.chanState = chanState
	s.connState = connState
}

// Setup dials the transport (applying ConnectTimeout and, if configured,
// TLS) and drives the full AMQP handshake: protocol header,
// connection.start/start-ok, tune/tune-ok, connection.open, channel.open.
// It aborts at the first failure, leaving both states CLOSED.
func (s *Session) Setup(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)

	dialer := net.Dialer{Timeout: s.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.setState(StateClosed, StateClosed)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if s.opts.TLS != nil {
		tlsConn := tls.Client(conn, s.opts.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			s.setState(StateClosed, StateClosed)
			return fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}

	s.conn = conn
	s.reader = frame.NewReader(conn, protocol.FrameMinSize)
	s.writer = frame.NewWriter(conn, protocol.FrameMinSize)
	s.frameMax = s.opts.FrameMax
	s.channelMax = s.opts.ChannelMax
	s.heartbeat = s.opts.Heartbeat
	s.channel = s.opts.Channel

	if err := s.handshake(); err != nil {
		s.setState(StateClosed, StateClosed)
		s.conn.Close()
		return err
	}

	s.hb = newHeartbeatTracker(s.heartbeat)
	s.log.Debug().Str("host", s.opts.Host).Int("port", s.opts.Port).Int("role", int(s.opts.Role)).Msg("session established")
	return nil
}

func (s *Session) handshake() error {
	if err := s.writer.WriteProtocolHeader(); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}

	startFrame, err := s.reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("read connection.start: %w", err)
	}
	if err := s.handleConnectionStart(startFrame); err != nil {
		return err
	}

	if err := s.sendConnectionStartOk(); err != nil {
		return fmt.Errorf("send connection.start-ok: %w", err)
	}

	tuneFrame, err := s.reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("read connection.tune: %w", err)
	}
	if err := s.handleConnectionTune(tuneFrame); err != nil {
		return err
	}

	if err := s.sendConnectionTuneOk(); err != nil {
		return fmt.Errorf("send connection.tune-ok: %w", err)
	}

	if _, err := s.wireMethod(0, protocol.ClassConnection, protocol.MethodConnectionOpen, s.buildConnectionOpenArgs()); err != nil {
		return fmt.Errorf("connection.open: %w", err)
	}
	s.setState(s.chanState, StateEstablished)

	if _, err := s.wireMethod(s.channel, protocol.ClassChannel, protocol.MethodChannelOpen, buildChannelOpenArgs()); err != nil {
		return fmt.Errorf("channel.open: %w", err)
	}
	s.setState(StateEstablished, s.connState)

	return nil
}

func (s *Session) handleConnectionStart(f *frame.Frame) error {
	method, err := f.ParseMethod()
	if err != nil {
		return fmt.Errorf("parse connection.start: %w", err)
	}
	if method.ClassID != protocol.ClassConnection || method.MethodID != protocol.MethodConnectionStart {
		return fmt.Errorf("%w: expected connection.start, got %s", ErrUnexpectedFrame, protocol.MethodName(method.ClassID, method.MethodID))
	}

	args := frame.NewMethodArgs(method.Args)
	versionMajor, _ := args.ReadUint8()
	versionMinor, _ := args.ReadUint8()
	if _, err := args.ReadTable(); err != nil { // server-properties, advisory only
		return fmt.Errorf("read server-properties: %w", err)
	}
	mechanisms, err := args.ReadLongString()
	if err != nil {
		return fmt.Errorf("read mechanisms: %w", err)
	}
	if _, err := args.ReadLongString(); err != nil { // locales, advisory only
		return fmt.Errorf("read locales: %w", err)
	}

	if versionMajor != protocol.ProtocolVersionMajor || versionMinor != protocol.ProtocolVersionMinor {
		return fmt.Errorf("%w: server speaks %d.%d", ErrProtocolMismatch, versionMajor, versionMinor)
	}

	mechanismOffered := false
	for _, m := range strings.Fields(string(mechanisms)) {
		if m == s.opts.Mechanism {
			mechanismOffered = true
			break
		}
	}
	if !mechanismOffered {
		return fmt.Errorf("%w: mechanism %q not offered by server", ErrProtocolMismatch, s.opts.Mechanism)
	}

	return nil
}

func (s *Session) sendConnectionStartOk() error {
	builder := frame.NewMethodArgsBuilder()
	if err := builder.WriteTable(s.opts.ClientProperties); err != nil {
		return err
	}
	if err := builder.WriteShortString(s.opts.Mechanism); err != nil {
		return err
	}
	response := fmt.Sprintf("\x00%s\x00%s", s.opts.User, s.opts.Password)
	if err := builder.WriteLongString([]byte(response)); err != nil {
		return err
	}
	if err := builder.WriteShortString(s.opts.Locale); err != nil {
		return err
	}

	return s.writer.WriteFrame(frame.NewMethodFrame(0, protocol.ClassConnection, protocol.MethodConnectionStartOk, builder.Bytes()))
}

func (s *Session) handleConnectionTune(f *frame.Frame) error {
	method, err := f.ParseMethod()
	if err != nil {
		return fmt.Errorf("parse connection.tune: %w", err)
	}
	if method.ClassID != protocol.ClassConnection || method.MethodID != protocol.MethodConnectionTune {
		return fmt.Errorf("%w: expected connection.tune, got %s", ErrUnexpectedFrame, protocol.MethodName(method.ClassID, method.MethodID))
	}

	args := frame.NewMethodArgs(method.Args)
	serverChannelMax, _ := args.ReadUint16()
	serverFrameMax, _ := args.ReadUint32()
	serverHeartbeat, _ := args.ReadUint16()

	s.channelMax = negotiateMax16(s.opts.ChannelMax, serverChannelMax)
	s.frameMax = negotiateMax32(s.opts.FrameMax, serverFrameMax)

	requested := uint16(s.opts.Heartbeat / time.Second)
	if serverHeartbeat != 0 && serverHeartbeat < requested {
		s.heartbeat = time.Duration(serverHeartbeat) * time.Second
	} else {
		s.heartbeat = time.Duration(requested) * time.Second
	}

	s.reader.SetMaxFrameSize(s.frameMax)
	s.writer.SetMaxFrameSize(s.frameMax)

	return nil
}

// negotiateMax16/32 implement the tune negotiation rule from the data
// model: a zero peer value means "no limit", so the client's own maximum
// wins; otherwise the smaller of the two applies.
func negotiateMax16(clientMax, peerMax uint16) uint16 {
	if peerMax == 0 {
		return clientMax
	}
	if clientMax == 0 || clientMax > peerMax {
		return peerMax
	}
	return clientMax
}

func negotiateMax32(clientMax, peerMax uint32) uint32 {
	if peerMax == 0 {
		return clientMax
	}
	if clientMax == 0 || clientMax > peerMax {
		return peerMax
	}
	return clientMax
}

func (s *Session) sendConnectionTuneOk() error {
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(s.channelMax)
	builder.WriteUint32(s.frameMax)
	builder.WriteUint16(uint16(s.heartbeat / time.Second))

	return s.writer.WriteFrame(frame.NewMethodFrame(0, protocol.ClassConnection, protocol.MethodConnectionTuneOk, builder.Bytes()))
}

func (s *Session) buildConnectionOpenArgs() []byte {
	builder := frame.NewMethodArgsBuilder()
	builder.WriteShortString(s.opts.VHost)
	builder.WriteShortString("") // capabilities, deprecated
	builder.WriteFlags(false)    // insist, deprecated
	return builder.Bytes()
}

func buildChannelOpenArgs() []byte {
	builder := frame.NewMethodArgsBuilder()
	builder.WriteShortString("") // reserved-1
	return builder.Bytes()
}

// wireMethod encodes a method frame on the given channel, sends it, and
// reads back exactly one reply frame, per the codec's synchronous
// request/reply contract. It records the outstanding class/method so a
// peer-initiated close in the meantime can be decorated with it. The reply
// is validated against the method table's class.method -> reply-method
// pairing, so callers never need their own reply.MethodID check.
func (s *Session) wireMethod(channel uint16, classID, methodID uint16, args []byte) (*frame.Method, error) {
	// ongoing stays set when the exchange fails, so a Teardown after the
	// failure can decorate its close reason with this method.
	s.ongoingClass, s.ongoingMethod = classID, methodID

	if err := s.sendFrame(frame.NewMethodFrame(channel, classID, methodID, args)); err != nil {
		return nil, err
	}

	f, err := s.consumeFrame()
	if err != nil {
		return nil, err
	}
	reply, err := f.ParseMethod()
	if err != nil {
		return nil, err
	}

	if okMethodID, ok := protocol.ExpectedReply(classID, methodID); ok && reply.MethodID != okMethodID {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedFrame,
			protocol.MethodName(classID, okMethodID), protocol.MethodName(reply.ClassID, reply.MethodID))
	}
	s.ongoingClass, s.ongoingMethod = 0, 0
	return reply, nil
}

// sendFrame is the fire-and-forget send used for heartbeats, body frames,
// basic.ack/nack, and any method sent with no_wait = true.
func (s *Session) sendFrame(f *frame.Frame) error {
	if s.writer == nil {
		return ErrNotInitialized
	}
	return s.writer.WriteFrame(f)
}

// consumeFrame reads one full frame, applying the session's configured
// read timeout.
func (s *Session) consumeFrame() (*frame.Frame, error) {
	if s.reader == nil {
		return nil, ErrNotInitialized
	}
	if s.opts.ReadTimeout > 0 && s.conn != nil {
		s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	}
	return s.reader.ReadFrame()
}

// isTimeout reports whether err is a transport read timeout rather than a
// hard failure, so the consume loop can tell the two apart.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Teardown gracefully closes the channel and then the connection,
// per the half-duplex close sequence: if this side still thinks the
// channel/connection is ESTABLISHED, it initiates the close and awaits
// close-ok; if it's in CLOSE_WAIT (the peer already initiated close),
// it completes the handshake by sending close-ok. All I/O errors here
// are logged and swallowed; teardown is best-effort, and the transport is
// always closed on exit. Calling Teardown twice is a safe no-op the
// second time, since both states are already CLOSED.
func (s *Session) Teardown(reason CloseReason) {
	reason = resolveCloseReason(reason, s.ongoingClass, s.ongoingMethod)

	if s.chanState == StateEstablished {
		if err := s.closeChannel(reason); err != nil {
			s.log.Warn().Err(err).Msg("channel close during teardown")
		}
	} else if s.chanState == StateCloseWait {
		if err := s.sendFrame(frame.NewMethodFrame(s.channel, protocol.ClassChannel, protocol.MethodChannelCloseOk, nil)); err != nil {
			s.log.Warn().Err(err).Msg("send channel.close-ok during teardown")
		}
	}
	s.chanState = StateClosed

	if s.connState == StateEstablished {
		if err := s.closeConnection(reason); err != nil {
			s.log.Warn().Err(err).Msg("connection close during teardown")
		}
	} else if s.connState == StateCloseWait {
		if err := s.sendFrame(frame.NewMethodFrame(0, protocol.ClassConnection, protocol.MethodConnectionCloseOk, nil)); err != nil {
			s.log.Warn().Err(err).Msg("send connection.close-ok during teardown")
		}
	}
	s.connState = StateClosed

	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Session) closeChannel(reason CloseReason) error {
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(reason.ReplyCode)
	builder.WriteShortString(reason.ReplyText)
	builder.WriteUint16(reason.ClassID)
	builder.WriteUint16(reason.MethodID)

	_, err := s.wireMethod(s.channel, protocol.ClassChannel, protocol.MethodChannelClose, builder.Bytes())
	return err
}

func (s *Session) closeConnection(reason CloseReason) error {
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(reason.ReplyCode)
	builder.WriteShortString(reason.ReplyText)
	builder.WriteUint16(reason.ClassID)
	builder.WriteUint16(reason.MethodID)

	_, err := s.wireMethod(0, protocol.ClassConnection, protocol.MethodConnectionClose, builder.Bytes())
	return err
}
