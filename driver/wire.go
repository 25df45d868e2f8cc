// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"errors"
	"fmt"
)

// Operation names used on the wire by the frame-based drivers
// (websocket, http, coap).
const (
	OpPing          = "ping"
	OpConnect       = "connect"
	OpDisconnect    = "disconnect"
	OpPublishArr    = "publishArr"
	OpPublishOneway = "publishOneway"
	OpSubscribe     = "subscribe"
	OpUnsubscribe   = "unSubscribe"
	OpGet           = "get"
	OpErase         = "erase"
)

// Error codes a peer may put into a Response.
const (
	CodeAuthentication = "user.security.authentication"
	CodeUnavailable    = "communication.noConnection"
)

// WireMessage is the frame form of a Message. Byte slices travel base64
// encoded through encoding/json.
type WireMessage struct {
	ID      string `json:"id,omitempty"`
	Key     string `json:"key"`
	Content []byte `json:"content"`
	QoS     []byte `json:"qos,omitempty"`
}

// Request is one call frame sent to a remote peer.
type Request struct {
	ID       string        `json:"id"`
	Op       string        `json:"op"`
	Key      string        `json:"key,omitempty"`
	QoS      []byte        `json:"qos,omitempty"`
	Data     []byte        `json:"data,omitempty"`
	Messages []WireMessage `json:"messages,omitempty"`
}

// Response is the peer's answer to a Request.
type Response struct {
	ID      string   `json:"id"`
	Result  []byte   `json:"result,omitempty"`
	Results [][]byte `json:"results,omitempty"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Err converts an error carried by the response into a classified error.
func (r *Response) Err() error {
	if r.Error == "" && r.Code == "" {
		return nil
	}
	err := errors.New(r.Error)
	if r.Error == "" {
		err = errors.New(r.Code)
	}
	switch r.Code {
	case CodeAuthentication:
		return Authentication(err)
	case CodeUnavailable:
		return Communication(err)
	default:
		return fmt.Errorf("remote error %s: %w", r.Code, err)
	}
}

// WireMessages converts messages to their frame form.
func WireMessages(msgs []Message) []WireMessage {
	out := make([]WireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = WireMessage{ID: m.ID, Key: m.Key, Content: m.Content, QoS: m.QoS}
	}
	return out
}
