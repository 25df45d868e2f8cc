// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package driver defines the transport contract every wire protocol
// implements, and the registry used to look drivers up by protocol type.
package driver

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCommunication marks transport failures. The dispatch state machine
	// retries them up to the configured limit.
	ErrCommunication = errors.New("communication failure")

	// ErrAuthentication marks failures where the peer refused the
	// credentials. Retrying cannot help, the destination goes straight to DEAD.
	ErrAuthentication = errors.New("authentication failure")

	// ErrNotConnected is returned by operations invoked before ConnectLowlevel.
	ErrNotConnected = errors.New("driver is not connected")

	// ErrUnsupported is returned for operations a protocol cannot express.
	// It is a remote error and is never retried.
	ErrUnsupported = errors.New("operation not supported by protocol")
)

// Address identifies one remote endpoint a driver connects to.
type Address struct {
	Type    string            `yaml:"type" json:"type"`
	URL     string            `yaml:"url" json:"url"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

func (a Address) String() string {
	return a.Type + "://" + trimScheme(a.URL)
}

// Message is a single outgoing publish handed to a driver.
// Content has already passed through the export interceptor.
type Message struct {
	ID      string
	Key     string
	Content []byte
	QoS     []byte
}

// Capabilities describes optional protocol features.
type Capabilities struct {
	// ArrayPublish reports whether PublishArr sends all messages in one
	// round trip. Drivers without it are fed one message per call.
	ArrayPublish bool
}

//go:generate mockgen -destination=mocks/driver.go -package=mocks . Driver

// Driver is the uniform transport interface implemented once per protocol.
// One Driver instance is bound to one Address and is never shared.
//
// Implementations classify failures with Communication and Authentication.
// Any other error is treated as a remote answer and is not retried.
type Driver interface {
	Type() string
	Capabilities() Capabilities

	ConnectLowlevel(ctx context.Context, addr Address) error
	Reconnect(ctx context.Context) error
	Ping(ctx context.Context, data []byte) ([]byte, error)

	Connect(ctx context.Context, qos []byte) ([]byte, error)
	Disconnect(ctx context.Context, qos []byte) error

	PublishArr(ctx context.Context, msgs []Message) ([][]byte, error)
	PublishOneway(ctx context.Context, msgs []Message) error

	Subscribe(ctx context.Context, key string, qos []byte) ([]byte, error)
	Unsubscribe(ctx context.Context, key string, qos []byte) ([]byte, error)
	Get(ctx context.Context, key string, qos []byte) ([]byte, error)
	Erase(ctx context.Context, key string, qos []byte) ([]byte, error)

	Shutdown() error
}

// Communication wraps err as a retryable transport failure.
func Communication(err error) error {
	if err == nil || errors.Is(err, ErrCommunication) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCommunication, err)
}

// Authentication wraps err as a credential failure.
func Authentication(err error) error {
	if err == nil || errors.Is(err, ErrAuthentication) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAuthentication, err)
}

// IsCommunication reports whether err is a retryable transport failure.
func IsCommunication(err error) bool {
	return errors.Is(err, ErrCommunication)
}

// IsAuthentication reports whether err is a credential failure.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsTransport reports whether err should be handled by the connection state
// machine rather than handed to the caller.
func IsTransport(err error) bool {
	return IsCommunication(err) || IsAuthentication(err)
}

func trimScheme(url string) string {
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			return url[i+3:]
		}
	}
	return url
}
