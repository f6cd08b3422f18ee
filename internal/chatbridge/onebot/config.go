// Package onebot drives OneBot v11 implementations over websocket, either
// dialing them (forward) or accepting their connections (reverse).
package onebot

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Connection modes.
const (
	ProtocolForward = "ws"
	ProtocolReverse = "ws-reverse"
)

const defaultActionTimeout = 5 * time.Second

// Config is the stored configuration of one OneBot bot.
type Config struct {
	SelfID   string `json:"selfId"`
	Protocol string `json:"protocol"`
	// Path is the reverse endpoint below PathPrefix.
	Path string `json:"path,omitempty"`
	// Endpoint is the url dialed in forward mode.
	Endpoint string `json:"endpoint,omitempty"`
	// Token is the optional access token.
	Token string `json:"token,omitempty"`
	// Timeout bounds action responses, in milliseconds.
	Timeout int `json:"timeout,omitempty"`
	// RetryTimes dials are retried every RetryInterval ms, later ones every
	// RetryLazy ms. RetryLazy 0 gives up after RetryTimes.
	RetryTimes    int `json:"retryTimes,omitempty"`
	RetryInterval int `json:"retryInterval,omitempty"`
	RetryLazy     int `json:"retryLazy,omitempty"`
}

// ParseConfig decodes and validates raw.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding onebot config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []string
	if strings.TrimSpace(c.SelfID) == "" {
		errs = append(errs, "selfId must not be empty")
	}
	switch c.Protocol {
	case ProtocolReverse:
		if normalizePath(c.Path) == "" {
			errs = append(errs, "path must not be empty")
		}
	case ProtocolForward:
		u, err := url.Parse(c.Endpoint)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("endpoint %q must be a ws:// or wss:// url", c.Endpoint))
		}
		if c.Timeout < 0 {
			errs = append(errs, "timeout must not be negative")
		}
		if c.RetryTimes < 0 {
			errs = append(errs, "retryTimes must not be negative")
		}
		if c.RetryInterval <= 0 {
			errs = append(errs, "retryInterval must be positive")
		}
		if c.RetryLazy < 0 {
			errs = append(errs, "retryLazy must not be negative")
		}
	default:
		errs = append(errs, fmt.Sprintf("protocol %q must be %q or %q", c.Protocol, ProtocolForward, ProtocolReverse))
	}
	if len(errs) > 0 {
		return fmt.Errorf("onebot config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c Config) actionTimeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultActionTimeout
	}
	return time.Duration(c.Timeout) * time.Millisecond
}

// retryDelay returns the wait before dial attempt n (1-based) or 0 to give up.
func (c Config) retryDelay(n int) time.Duration {
	if n <= c.RetryTimes {
		return time.Duration(c.RetryInterval) * time.Millisecond
	}
	return time.Duration(c.RetryLazy) * time.Millisecond
}

func normalizePath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}
