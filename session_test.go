package amqp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sablecore/amqp-session-go/internal/frame"
	"github.com/sablecore/amqp-session-go/internal/protocol"
)

// newPipeSession builds a Session wired to the client end of an in-memory
// net.Pipe, bypassing Setup's TCP dial so tests can script the broker
// side directly. It mirrors what Setup does once a transport exists.
func newPipeSession(t *testing.T, clientConn net.Conn, opts ...Option) *Session {
	t.Helper()
	o := NewOptions(opts...)
	s := &Session{
		opts:      o,
		log:       o.Logger,
		conn:      clientConn,
		reader:    frame.NewReader(clientConn, protocol.FrameMinSize),
		writer:    frame.NewWriter(clientConn, protocol.FrameMinSize),
		frameMax:  o.FrameMax,
		channelMax: o.ChannelMax,
		heartbeat: o.Heartbeat,
		channel:   o.Channel,
		connState: StateClosed,
		chanState: StateClosed,
	}
	return s
}

func sendServerMethod(t *testing.T, w *frame.Writer, channel uint16, classID, methodID uint16, args []byte) {
	t.Helper()
	require.NoError(t, w.WriteFrame(frame.NewMethodFrame(channel, classID, methodID, args)))
}

func readClientMethod(t *testing.T, r *frame.Reader) *frame.Method {
	t.Helper()
	f, err := r.ReadFrame()
	require.NoError(t, err)
	m, err := f.ParseMethod()
	require.NoError(t, err)
	return m
}

func connectionStartArgs() []byte {
	b := frame.NewMethodArgsBuilder()
	b.WriteUint8(protocol.ProtocolVersionMajor)
	b.WriteUint8(protocol.ProtocolVersionMinor)
	b.WriteTable(protocol.Table{"product": "mock-broker"})
	b.WriteLongString([]byte("PLAIN AMQPLAIN"))
	b.WriteLongString([]byte("en_US"))
	return b.Bytes()
}

func connectionTuneArgs(channelMax uint16, frameMax uint32, heartbeat uint16) []byte {
	b := frame.NewMethodArgsBuilder()
	b.WriteUint16(channelMax)
	b.WriteUint32(frameMax)
	b.WriteUint16(heartbeat)
	return b.Bytes()
}

// runHandshake drives the broker side of connection.start through
// channel.open-ok over server, returning once the session side (run in
// its own goroutine by the caller) should have an ESTABLISHED channel.
func runHandshake(t *testing.T, r *frame.Reader, w *frame.Writer, channelMax uint16, frameMax uint32, heartbeat uint16) {
	t.Helper()

	header := make([]byte, 8)
	_, err := r.ReadProtocolHeader()
	_ = header
	require.NoError(t, err)

	sendServerMethod(t, w, 0, protocol.ClassConnection, protocol.MethodConnectionStart, connectionStartArgs())

	startOk := readClientMethod(t, r)
	require.Equal(t, uint16(protocol.MethodConnectionStartOk), startOk.MethodID)

	sendServerMethod(t, w, 0, protocol.ClassConnection, protocol.MethodConnectionTune, connectionTuneArgs(channelMax, frameMax, heartbeat))

	tuneOk := readClientMethod(t, r)
	require.Equal(t, uint16(protocol.MethodConnectionTuneOk), tuneOk.MethodID)

	openMethod := readClientMethod(t, r)
	require.Equal(t, uint16(protocol.MethodConnectionOpen), openMethod.MethodID)
	sendServerMethod(t, w, 0, protocol.ClassConnection, protocol.MethodConnectionOpenOk, nil)

	channelOpenMethod := readClientMethod(t, r)
	require.Equal(t, uint16(protocol.MethodChannelOpen), channelOpenMethod.MethodID)
	sendServerMethod(t, w, 1, protocol.ClassChannel, protocol.MethodChannelOpenOk, nil)
}

// TestSetupHappyPath exercises a full connection/channel handshake: it
// should leave both states ESTABLISHED with the negotiated values
// reflecting the broker's tune parameters.
func TestSetupHappyPath(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := newPipeSession(t, clientConn, WithChannel(1))

	done := make(chan error, 1)
	go func() { done <- s.handshake() }()

	r := frame.NewReader(serverConn, protocol.FrameMinSize)
	w := frame.NewWriter(serverConn, protocol.FrameMinSize)
	runHandshake(t, r, w, 2047, 131072, 60)

	require.NoError(t, <-done)
	require.Equal(t, StateEstablished, s.connState)
	require.Equal(t, StateEstablished, s.chanState)
	require.Equal(t, uint16(2047), s.channelMax)
	require.Equal(t, uint32(131072), s.frameMax)
}

// TestSetupVersionMismatch checks that a broker advertising a
// non-0.9-compatible version fails the handshake before start-ok is
// ever sent.
func TestSetupVersionMismatch(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := newPipeSession(t, clientConn)

	done := make(chan error, 1)
	go func() { done <- s.handshake() }()

	r := frame.NewReader(serverConn, protocol.FrameMinSize)
	w := frame.NewWriter(serverConn, protocol.FrameMinSize)

	_, err := r.ReadProtocolHeader()
	require.NoError(t, err)

	b := frame.NewMethodArgsBuilder()
	b.WriteUint8(1)
	b.WriteUint8(0)
	b.WriteTable(nil)
	b.WriteLongString([]byte("PLAIN"))
	b.WriteLongString([]byte("en_US"))
	sendServerMethod(t, w, 0, protocol.ClassConnection, protocol.MethodConnectionStart, b.Bytes())

	err = <-done
	require.ErrorIs(t, err, ErrProtocolMismatch)

	// No start-ok should ever have been written; confirm nothing further
	// arrives on the pipe within a short window.
	serverConn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	_, ferr := r.ReadFrame()
	require.Error(t, ferr)
}

// TestSetupUnlimitedPeer checks that a broker advertising channel_max=0
// and frame_max=0 leaves the client's own configured maxima intact.
func TestSetupUnlimitedPeer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := newPipeSession(t, clientConn, WithFrameMax(131072), WithChannelMax(65535))

	done := make(chan error, 1)
	go func() { done <- s.handshake() }()

	r := frame.NewReader(serverConn, protocol.FrameMinSize)
	w := frame.NewWriter(serverConn, protocol.FrameMinSize)
	runHandshake(t, r, w, 0, 0, 60)

	require.NoError(t, <-done)
	require.Equal(t, uint16(65535), s.channelMax)
	require.Equal(t, uint32(131072), s.frameMax)
}

// TestBasicPublishFramesSent checks that publishing a small payload
// emits exactly method, header, and one body frame, with no reply await.
func TestBasicPublishFramesSent(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := newPipeSession(t, clientConn, WithChannel(1))
	s.chanState = StateEstablished

	r := frame.NewReader(serverConn, protocol.FrameMinSize)

	done := make(chan error, 1)
	go func() {
		done <- s.BasicPublish(Publishing{Body: []byte("xy")}, PublishOptions{Exchange: "e", RoutingKey: "k"})
	}()

	methodFrame, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, uint8(protocol.FrameMethod), methodFrame.Type)
	method, err := methodFrame.ParseMethod()
	require.NoError(t, err)
	require.Equal(t, uint16(protocol.ClassBasic), method.ClassID)
	require.Equal(t, uint16(protocol.MethodBasicPublish), method.MethodID)

	headerFrame, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, uint8(protocol.FrameHeader), headerFrame.Type)
	header, err := headerFrame.ParseHeader()
	require.NoError(t, err)
	require.Equal(t, uint64(2), header.BodySize)

	bodyFrame, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, uint8(protocol.FrameBody), bodyFrame.Type)
	body, err := bodyFrame.ParseBody()
	require.NoError(t, err)
	require.Equal(t, []byte("xy"), body.Data)

	require.NoError(t, <-done)
}

// TestConsumeHappyPathDelivery checks that one delivery reaches the
// callback exactly once and produces exactly one basic.ack with the
// matching delivery tag.
func TestConsumeHappyPathDelivery(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := newPipeSession(t, clientConn, WithChannel(1), WithNoAck(false), WithReadTimeout(time.Second))
	s.chanState = StateEstablished
	s.hb = newHeartbeatTracker(0)

	w := frame.NewWriter(serverConn, protocol.FrameMinSize)
	r := frame.NewReader(serverConn, protocol.FrameMinSize)

	deliverArgs := func() []byte {
		b := frame.NewMethodArgsBuilder()
		b.WriteShortString("ctag")
		b.WriteUint64(1)
		b.WriteFlags(false)
		b.WriteShortString("")
		b.WriteShortString("q")
		return b.Bytes()
	}

	go func() {
		sendServerMethod(t, w, 1, protocol.ClassBasic, protocol.MethodBasicDeliver, deliverArgs())

		propData, _ := EncodeProperties(Properties{ContentType: "text/plain"})
		require.NoError(t, w.WriteFrame(frame.NewHeaderFrame(1, protocol.ClassBasic, 5, propData)))
		require.NoError(t, w.WriteFrame(frame.NewBodyFrame(1, []byte("hello"))))
	}()

	received := make(chan Delivery, 1)
	ctx, cancel := context.WithCancel(context.Background())

	consumeDone := make(chan error, 1)
	go func() {
		consumeDone <- s.Consume(ctx, func(d Delivery) error {
			received <- d
			cancel()
			return nil
		})
	}()

	var delivery Delivery
	select {
	case delivery = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery callback")
	}
	require.Equal(t, "hello", string(delivery.Body))
	require.Equal(t, uint64(1), delivery.DeliveryTag)

	ack := readClientMethod(t, r)
	require.Equal(t, uint16(protocol.MethodBasicAck), ack.MethodID)

	// Consume's Teardown closes the channel on its way out; answer that
	// so the client's WriteFrame doesn't block forever on the pipe with
	// nobody left to read it.
	closeMethod := readClientMethod(t, r)
	require.Equal(t, uint16(protocol.MethodChannelClose), closeMethod.MethodID)
	sendServerMethod(t, w, 1, protocol.ClassChannel, protocol.MethodChannelCloseOk, nil)

	<-consumeDone
}
