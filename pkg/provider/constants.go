package provider

import "time"

// Channel names accepted by WSConfig.Channels.
const (
	ChannelTrades = "trades"
	ChannelQuotes = "quotes"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultWriteWait        = 10 * time.Second

	// Pings go out well inside the pong window.
	pingRatio = 9
	pingDiv   = 10

	maxMessageSize = 1 << 20
)

// WSConfig configures the streaming transport.
type WSConfig struct {
	URL      string
	Key      string
	Secret   string
	Channels []string // subset of ChannelTrades, ChannelQuotes; empty means both

	HandshakeTimeout time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
}

func (c WSConfig) withDefaults() WSConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if len(c.Channels) == 0 {
		c.Channels = []string{ChannelTrades, ChannelQuotes}
	}
	return c
}

func (c WSConfig) pingPeriod() time.Duration {
	return c.PongWait * pingRatio / pingDiv
}
