package onebot

import (
	"net/url"
	"strings"
	"time"

	"github.com/renflow/runner/pkg/adapter"
)

const (
	DefaultMaxRetries        = 5
	DefaultRetryInterval     = 2 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultActionTimeout     = 10 * time.Second
	DefaultHeartbeatAck      = "pong"
)

// Config holds the connection settings of a OneBot adapter.
type Config struct {
	URL         string
	AccessToken string

	Reconnect     bool
	MaxRetries    int
	RetryInterval time.Duration

	HeartbeatInterval time.Duration
	HeartbeatPayload  any
	// HeartbeatAck is the "type" value of a heartbeat acknowledgment frame.
	HeartbeatAck string

	ActionTimeout time.Duration
}

// DefaultConfig returns the defaults applied to every adapter.
func DefaultConfig() Config {
	return Config{
		Reconnect:         true,
		MaxRetries:        DefaultMaxRetries,
		RetryInterval:     DefaultRetryInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatPayload:  map[string]any{"type": "ping"},
		HeartbeatAck:      DefaultHeartbeatAck,
		ActionTimeout:     DefaultActionTimeout,
	}
}

// ConfigFromOptions reads adapter options over the defaults. The endpoint
// may be given as url, ws or endpoint and the token as token, access_token
// or accessToken.
func ConfigFromOptions(opts adapter.Options) Config {
	cfg := DefaultConfig()
	cfg.URL = opts.GetString("url", "ws", "endpoint")
	cfg.AccessToken = opts.GetString("token", "access_token", "accessToken")
	cfg.Reconnect = opts.GetBool("reconnect", cfg.Reconnect)
	cfg.MaxRetries = opts.GetInt("maxRetries", cfg.MaxRetries)
	cfg.RetryInterval = opts.GetDuration("retryInterval", cfg.RetryInterval)
	cfg.HeartbeatInterval = opts.GetDuration("heartbeatInterval", cfg.HeartbeatInterval)
	cfg.ActionTimeout = opts.GetDuration("actionTimeout", cfg.ActionTimeout)
	if v, ok := opts.Lookup("heartbeatPayload"); ok {
		cfg.HeartbeatPayload = v
	}
	if ack := opts.GetString("heartbeatAck"); ack != "" {
		cfg.HeartbeatAck = ack
	}
	return cfg
}

// ConnectURL returns the endpoint with the access token appended as a query
// parameter, keeping any query string already present.
func (c Config) ConnectURL() (string, error) {
	if c.URL == "" {
		return "", ErrMissingEndpoint
	}
	if c.AccessToken == "" {
		return c.URL, nil
	}
	sep := "?"
	if strings.Contains(c.URL, "?") {
		sep = "&"
	}
	return c.URL + sep + "access_token=" + url.QueryEscape(c.AccessToken), nil
}
