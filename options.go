package amqp

import (
	"crypto/tls"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/sablecore/amqp-session-go/internal/protocol"
)

// Role describes whether a session is set up to consume or to publish.
// It is carried in Options and logged by Setup; PrepareToConsume, Consume,
// and the facade methods behave the same whatever its value.
type Role int

const (
	RolePublisher Role = iota
	RoleConsumer
)

// Options holds everything the session needs to dial, negotiate, and
// operate. Built from defaults, then layered with functional Options, per
// the per-call ▸ session ▸ protocol-default resolution order used
// throughout the facade.
type Options struct {
	Host string
	Port int
	TLS  *tls.Config

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Heartbeat      time.Duration

	User     string
	Password string
	VHost    string

	Mechanism string
	Locale    string

	Channel    uint16
	FrameMax   uint32
	ChannelMax uint16

	Role       Role
	Exchange   string
	Queue      string
	RoutingKey string
	NoAck      bool

	Callback DeliveryFunc

	ClientProperties protocol.Table

	Logger zerolog.Logger
}

// DeliveryFunc is invoked synchronously from the consume loop for every
// assembled Delivery. A non-nil return becomes a basic.nack.
type DeliveryFunc func(Delivery) error

// Option mutates Options; apply in order after defaults.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Host:             "localhost",
		Port:             5672,
		ConnectTimeout:   5 * time.Second,
		ReadTimeout:      30 * time.Second,
		Heartbeat:        60 * time.Second,
		User:             "guest",
		Password:         "guest",
		VHost:            "/",
		Mechanism:        "PLAIN",
		Locale:           "en_US",
		Channel:          1,
		FrameMax:         protocol.DefaultFrameSize,
		ChannelMax:       protocol.DefaultMaxChannels,
		Role:             RolePublisher,
		ClientProperties: defaultClientProperties(),
		Logger:           zerolog.Nop(),
	}
}

// NewOptions applies opts over the built-in defaults.
func NewOptions(opts ...Option) Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func defaultClientProperties() protocol.Table {
	return protocol.Table{
		"product":  "amqp-session-go",
		"version":  "0.1.0",
		"platform": runtime.GOOS + "/" + runtime.GOARCH,
		"copyright": "",
		"capabilities": protocol.Table{
			"authentication_failure_close": true,
		},
	}
}

func WithHost(host string) Option {
	return func(o *Options) { o.Host = host }
}

func WithPort(port int) Option {
	return func(o *Options) { o.Port = port }
}

func WithTLS(cfg *tls.Config) Option {
	return func(o *Options) { o.TLS = cfg }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *Options) { o.ReadTimeout = d }
}

func WithHeartbeat(d time.Duration) Option {
	return func(o *Options) { o.Heartbeat = d }
}

func WithCredentials(user, password string) Option {
	return func(o *Options) { o.User, o.Password = user, password }
}

func WithVHost(vhost string) Option {
	return func(o *Options) { o.VHost = vhost }
}

func WithMechanism(mechanism string) Option {
	return func(o *Options) { o.Mechanism = mechanism }
}

func WithChannel(channel uint16) Option {
	return func(o *Options) { o.Channel = channel }
}

func WithFrameMax(max uint32) Option {
	return func(o *Options) { o.FrameMax = max }
}

func WithChannelMax(max uint16) Option {
	return func(o *Options) { o.ChannelMax = max }
}

func WithRole(role Role) Option {
	return func(o *Options) { o.Role = role }
}

func WithExchange(exchange string) Option {
	return func(o *Options) { o.Exchange = exchange }
}

func WithQueue(queue string) Option {
	return func(o *Options) { o.Queue = queue }
}

func WithRoutingKey(routingKey string) Option {
	return func(o *Options) { o.RoutingKey = routingKey }
}

func WithNoAck(noAck bool) Option {
	return func(o *Options) { o.NoAck = noAck }
}

func WithCallback(fn DeliveryFunc) Option {
	return func(o *Options) { o.Callback = fn }
}

func WithClientProperty(key string, value interface{}) Option {
	return func(o *Options) {
		if o.ClientProperties == nil {
			o.ClientProperties = protocol.Table{}
		}
		o.ClientProperties[key] = value
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}
