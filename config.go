package chatsync

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListPollInterval    = 30 * time.Second
	defaultMessagePollInterval = 5 * time.Second
	defaultReconnectInterval   = 5 * time.Second
	defaultReconcileWindow     = 10 * time.Second
)

type Config struct {
	// BaseURL is the conversation service's REST root.
	BaseURL string
	// WSURL is the live channel endpoint. Derived from BaseURL when empty.
	WSURL string
	// ListPollInterval and MessagePollInterval drive the polling variant:
	// the coarse conversation-list re-fetch and the faster re-fetch of the
	// open conversation's messages.
	ListPollInterval    time.Duration
	MessagePollInterval time.Duration
	// ReconnectInterval is the delay before redialing a dropped live
	// connection. Zero disables automatic redial.
	ReconnectInterval time.Duration
	// ReconcileWindow bounds the sender+text+timestamp match used to fold a
	// fetched copy of an unacknowledged send onto its optimistic record.
	ReconcileWindow time.Duration
}

func NewConfig(baseURL, wsURL string) (*Config, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if wsURL == "" {
		switch {
		case strings.HasPrefix(baseURL, "https://"):
			wsURL = "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
		case strings.HasPrefix(baseURL, "http://"):
			wsURL = "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
		default:
			return nil, fmt.Errorf("cannot derive ws url from base URL %q", baseURL)
		}
	}

	return &Config{
		BaseURL:             baseURL,
		WSURL:               wsURL,
		ListPollInterval:    defaultListPollInterval,
		MessagePollInterval: defaultMessagePollInterval,
		ReconnectInterval:   defaultReconnectInterval,
		ReconcileWindow:     defaultReconcileWindow,
	}, nil
}
