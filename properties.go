package amqp

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/sablecore/amqp-session-go/internal/protocol"
)

// Table is an alias for the AMQP field table type.
type Table = protocol.Table

// Properties carries the AMQP basic-class message properties
// (content-header fields).
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string
}

// Publishing is a message handed to BasicPublish: properties plus body.
type Publishing struct {
	Properties
	Body []byte
}

// withDefaultMessageId returns props with MessageId filled in from a fresh
// UUID when the caller left it blank. BasicPublish applies it only when
// PublishOptions.GenerateMessageId is set.
func withDefaultMessageId(props Properties) Properties {
	if props.MessageId == "" {
		props.MessageId = uuid.New().String()
	}
	return props
}

const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationId   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageId       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserId          = 0x0010
	flagAppId           = 0x0008
)

// EncodeProperties encodes props into the content-header wire format: a
// 16-bit presence-flag word followed by each present field in flag order.
func EncodeProperties(props Properties) ([]byte, error) {
	flags := uint16(0)
	if props.ContentType != "" {
		flags |= flagContentType
	}
	if props.ContentEncoding != "" {
		flags |= flagContentEncoding
	}
	if len(props.Headers) > 0 {
		flags |= flagHeaders
	}
	if props.DeliveryMode != 0 {
		flags |= flagDeliveryMode
	}
	if props.Priority != 0 {
		flags |= flagPriority
	}
	if props.CorrelationId != "" {
		flags |= flagCorrelationId
	}
	if props.ReplyTo != "" {
		flags |= flagReplyTo
	}
	if props.Expiration != "" {
		flags |= flagExpiration
	}
	if props.MessageId != "" {
		flags |= flagMessageId
	}
	if !props.Timestamp.IsZero() {
		flags |= flagTimestamp
	}
	if props.Type != "" {
		flags |= flagType
	}
	if props.UserId != "" {
		flags |= flagUserId
	}
	if props.AppId != "" {
		flags |= flagAppId
	}

	buf := &propertyWriter{data: make([]byte, 0, 256)}

	if err := binary.Write(buf, binary.BigEndian, flags); err != nil {
		return nil, err
	}

	if flags&flagContentType != 0 {
		if err := protocol.WriteShortString(buf, props.ContentType); err != nil {
			return nil, err
		}
	}
	if flags&flagContentEncoding != 0 {
		if err := protocol.WriteShortString(buf, props.ContentEncoding); err != nil {
			return nil, err
		}
	}
	if flags&flagHeaders != 0 {
		if err := protocol.WriteTable(buf, props.Headers); err != nil {
			return nil, err
		}
	}
	if flags&flagDeliveryMode != 0 {
		if err := binary.Write(buf, binary.BigEndian, props.DeliveryMode); err != nil {
			return nil, err
		}
	}
	if flags&flagPriority != 0 {
		if err := binary.Write(buf, binary.BigEndian, props.Priority); err != nil {
			return nil, err
		}
	}
	if flags&flagCorrelationId != 0 {
		if err := protocol.WriteShortString(buf, props.CorrelationId); err != nil {
			return nil, err
		}
	}
	if flags&flagReplyTo != 0 {
		if err := protocol.WriteShortString(buf, props.ReplyTo); err != nil {
			return nil, err
		}
	}
	if flags&flagExpiration != 0 {
		if err := protocol.WriteShortString(buf, props.Expiration); err != nil {
			return nil, err
		}
	}
	if flags&flagMessageId != 0 {
		if err := protocol.WriteShortString(buf, props.MessageId); err != nil {
			return nil, err
		}
	}
	if flags&flagTimestamp != 0 {
		if err := binary.Write(buf, binary.BigEndian, uint64(props.Timestamp.Unix())); err != nil {
			return nil, err
		}
	}
	if flags&flagType != 0 {
		if err := protocol.WriteShortString(buf, props.Type); err != nil {
			return nil, err
		}
	}
	if flags&flagUserId != 0 {
		if err := protocol.WriteShortString(buf, props.UserId); err != nil {
			return nil, err
		}
	}
	if flags&flagAppId != 0 {
		if err := protocol.WriteShortString(buf, props.AppId); err != nil {
			return nil, err
		}
	}

	return buf.data, nil
}

// DecodeProperties parses the content-header wire format produced by
// EncodeProperties.
func DecodeProperties(data []byte) (Properties, error) {
	props := Properties{}
	buf := &propertyReader{data: data}

	var flags uint16
	if err := binary.Read(buf, binary.BigEndian, &flags); err != nil {
		return props, err
	}

	if flags&flagContentType != 0 {
		v, err := protocol.ReadShortString(buf)
		if err != nil {
			return props, err
		}
		props.ContentType = v
	}
	if flags&flagContentEncoding != 0 {
		v, err := protocol.ReadShortString(buf)
		if err != nil {
			return props, err
		}
		props.ContentEncoding = v
	}
	if flags&flagHeaders != 0 {
		v, err := protocol.ReadTable(buf)
		if err != nil {
			return props, err
		}
		props.Headers = v
	}
	if flags&flagDeliveryMode != 0 {
		if err := binary.Read(buf, binary.BigEndian, &props.DeliveryMode); err != nil {
			return props, err
		}
	}
	if flags&flagPriority != 0 {
		if err := binary.Read(buf, binary.BigEndian, &props.Priority); err != nil {
			return props, err
		}
	}
	if flags&flagCorrelationId != 0 {
		v, err := protocol.ReadShortString(buf)
		if err != nil {
			return props, err
		}
		props.CorrelationId = v
	}
	if flags&flagReplyTo != 0 {
		v, err := protocol.ReadShortString(buf)
		if err != nil {
			return props, err
		}
		props.ReplyTo = v
	}
	if flags&flagExpiration != 0 {
		v, err := protocol.ReadShortString(buf)
		if err != nil {
			return props, err
		}
		props.Expiration = v
	}
	if flags&flagMessageId != 0 {
		v, err := protocol.ReadShortString(buf)
		if err != nil {
			return props, err
		}
		props.MessageId = v
	}
	if flags&flagTimestamp != 0 {
		var ts uint64
		if err := binary.Read(buf, binary.BigEndian, &ts); err != nil {
			return props, err
		}
		props.Timestamp = time.Unix(int64(ts), 0)
	}
	if flags&flagType != 0 {
		v, err := protocol.ReadShortString(buf)
		if err != nil {
			return props, err
		}
		props.Type = v
	}
	if flags&flagUserId != 0 {
		v, err := protocol.ReadShortString(buf)
		if err != nil {
			return props, err
		}
		props.UserId = v
	}
	if flags&flagAppId != 0 {
		v, err := protocol.ReadShortString(buf)
		if err != nil {
			return props, err
		}
		props.AppId = v
	}

	return props, nil
}

type propertyWriter struct {
	data []byte
}

func (pw *propertyWriter) Write(p []byte) (int, error) {
	pw.data = append(pw.data, p...)
	return len(p), nil
}

type propertyReader struct {
	data []byte
	pos  int
}

func (pr *propertyReader) Read(p []byte) (int, error) {
	if pr.pos >= len(pr.data) {
		return 0, io.EOF
	}
	n := copy(p, pr.data[pr.pos:])
	pr.pos += n
	return n, nil
}

// Predefined property sets for common publishing patterns.
var (
	MinimalBasic = Properties{}

	MinimalPersistentBasic = Properties{
		DeliveryMode: protocol.DeliveryModePersistent,
	}

	Basic = Properties{
		ContentType:  "application/octet-stream",
		DeliveryMode: protocol.DeliveryModeNonPersistent,
	}

	PersistentBasic = Properties{
		ContentType:  "application/octet-stream",
		DeliveryMode: protocol.DeliveryModePersistent,
	}

	TextPlain = Properties{
		ContentType:  "text/plain",
		DeliveryMode: protocol.DeliveryModeNonPersistent,
	}

	PersistentTextPlain = Properties{
		ContentType:  "text/plain",
		DeliveryMode: protocol.DeliveryModePersistent,
	}
)
