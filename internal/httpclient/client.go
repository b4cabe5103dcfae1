// Package httpclient builds the *http.Client shared by the token fetcher and the upstream client.
package httpclient

import (
	"net"
	"net/http"
	"time"

	"deliverygw/config"
)

// ClientConfig holds transport and timeout options for outbound clients
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Timeout bounds one attempt end to end, body read included
	Timeout time.Duration

	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
}

// DefaultConfig returns defaults sized for a single upstream API.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		Timeout:               30 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// FromSettings applies the HTTP section of the application config on top of DefaultConfig.
// Non-positive values keep the default.
func FromSettings(s config.HTTPConfig) ClientConfig {
	cfg := DefaultConfig()
	if s.Timeout > 0 {
		cfg.Timeout = time.Duration(s.Timeout) * time.Second
	}
	if s.ResponseHeaderTimeout > 0 {
		cfg.ResponseHeaderTimeout = time.Duration(s.ResponseHeaderTimeout) * time.Second
	}
	return cfg
}

// NewHTTPClient creates a new HTTP client with the provided configuration.
// If cfg is nil, DefaultConfig() is used.
func NewHTTPClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		d := DefaultConfig()
		cfg = &d
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}
