package amqp

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvConfig mirrors the functional-options surface for process-level
// deployments that configure services through the environment rather
// than code.
type EnvConfig struct {
	Host      string        `envconfig:"AMQP_HOST" default:"localhost"`
	Port      int           `envconfig:"AMQP_PORT" default:"5672"`
	User      string        `envconfig:"AMQP_USER" default:"guest"`
	Password  string        `envconfig:"AMQP_PASSWORD" default:"guest"`
	VHost     string        `envconfig:"AMQP_VHOST" default:"/"`
	Heartbeat time.Duration `envconfig:"AMQP_HEARTBEAT" default:"60s"`
	FrameMax  uint32        `envconfig:"AMQP_FRAME_MAX" default:"131072"`
	Channel   uint16        `envconfig:"AMQP_CHANNEL" default:"1"`
}

// LoadEnvConfig reads an EnvConfig from the process environment and
// converts it into functional Options, ready to be layered with any
// per-call overrides.
func LoadEnvConfig() ([]Option, error) {
	var cfg EnvConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	return []Option{
		WithHost(cfg.Host),
		WithPort(cfg.Port),
		WithCredentials(cfg.User, cfg.Password),
		WithVHost(cfg.VHost),
		WithHeartbeat(cfg.Heartbeat),
		WithFrameMax(cfg.FrameMax),
		WithChannel(cfg.Channel),
	}, nil
}
