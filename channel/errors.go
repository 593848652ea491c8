package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned when starting a channel that was stopped.
	// A stopped channel is never restarted; create a new one instead.
	ErrChannelClosed = errors.New("channel closed")

	// ErrNoInputRequest is returned by InputChannel.Input when the kernel has
	// no outstanding input request.
	ErrNoInputRequest = errors.New("no input request outstanding")
)

// ConfigError reports an address or option that cannot be used. It is raised
// synchronously, before any goroutine starts.
type ConfigError struct {
	Channel string
	Field   string
	Value   string
	Reason  string
}

func (e *ConfigError) Error() string {
	prefix := "configuration error"
	if e.Channel != "" {
		prefix = e.Channel + " channel: " + prefix
	}
	return fmt.Sprintf("%s: %s=%q: %s", prefix, e.Field, e.Value, e.Reason)
}

// TransportError reports a socket failure observed by a channel. It is fatal
// to that channel and never retried.
type TransportError struct {
	Channel string
	Addr    Address
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s channel %s: transport failure: %v", e.Channel, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
