package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v6"
)

type Settings struct {
	BrokerKind           string `env:"BROKER_KIND" envDefault:"stomp"`
	BrokerURL            string `env:"BROKER_URL" envDefault:"ws://localhost:8080/chat-app"`
	Token                string `env:"BROKER_TOKEN" envDefault:"your-token-here"`
	SubscribeDestination string `env:"SUBSCRIBE_DESTINATION" envDefault:"/topic/notification-client/messages"`
	PublishDestination   string `env:"PUBLISH_DESTINATION" envDefault:"/app/chat"`
	HeartbeatInterval    int    `env:"HEARTBEAT_INTERVAL" envDefault:"10"`
	ConnectTimeout       int    `env:"CONNECT_TIMEOUT" envDefault:"10"`
	AutoConnect          bool   `env:"AUTO_CONNECT" envDefault:"false"`
	ControlPort          int    `env:"CONTROL_PORT" envDefault:"0"`
	MetricsPort          int    `env:"METRICS_PORT" envDefault:"0"`
	SendRPSLimit         int    `env:"SEND_RPS_LIMIT" envDefault:"10"`
	CorsEnable           bool   `env:"CORS_ENABLE"`
	LogLevel             string `env:"LOG_LEVEL" envDefault:"info"`
}

var Config = Settings{}

// Parse fills s from the environment, applying defaults.
func Parse(s *Settings) error {
	return env.Parse(s)
}

func LoadConfig() {
	if err := Parse(&Config); err != nil {
		log.Fatalf("config parsing failed: %v\n", err)
	}
}

func (s Settings) HeartBeat() time.Duration {
	return time.Duration(s.HeartbeatInterval) * time.Second
}

func (s Settings) ConnectWait() time.Duration {
	return time.Duration(s.ConnectTimeout) * time.Second
}
