// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/driver"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions(t *testing.T) {
	d := New(Config{Username: "cfg-user", Password: "cfg-pass"})

	opts, err := d.options(driver.Address{Type: Type, URL: "tcp://broker:1883"})
	require.NoError(t, err)
	assert.Equal(t, "cfg-user", opts.Username)
	assert.Equal(t, "cfg-pass", opts.Password)
	assert.False(t, opts.AutoReconnect)
	assert.Contains(t, opts.ClientID, "fluxdispatch-")
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker:1883", opts.Servers[0].Host)

	opts, err = d.options(driver.Address{
		Type:    Type,
		URL:     "tcp://broker:1883",
		Options: map[string]string{"username": "addr-user", "password": "addr-pass"},
	})
	require.NoError(t, err)
	assert.Equal(t, "addr-user", opts.Username)
	assert.Equal(t, "addr-pass", opts.Password)

	_, err = d.options(driver.Address{Type: Type, URL: "broker-without-scheme"})
	assert.Error(t, err)
}

func TestNotConnected(t *testing.T) {
	ctx := context.Background()
	d := New(Config{})

	assert.Equal(t, Type, d.Type())
	assert.False(t, d.Capabilities().ArrayPublish)

	_, err := d.Ping(ctx, nil)
	assert.ErrorIs(t, err, driver.ErrNotConnected)
	_, err = d.PublishArr(ctx, []driver.Message{{Key: "t"}})
	assert.ErrorIs(t, err, driver.ErrNotConnected)
	assert.ErrorIs(t, d.PublishOneway(ctx, nil), driver.ErrNotConnected)
	_, err = d.Subscribe(ctx, "t", nil)
	assert.ErrorIs(t, err, driver.ErrNotConnected)
	assert.ErrorIs(t, d.Reconnect(ctx), driver.ErrNotConnected)
	assert.NoError(t, d.Shutdown())

	_, err = d.Get(ctx, "t", nil)
	assert.ErrorIs(t, err, driver.ErrUnsupported)
	assert.False(t, driver.IsTransport(err))
}

func TestUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	d := New(Config{ConnectTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = d.ConnectLowlevel(ctx, driver.Address{Type: Type, URL: "tcp://" + addr})
	require.Error(t, err)
	assert.True(t, driver.IsCommunication(err))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		desc string
		err  error
		auth bool
	}{
		{desc: "bad credentials", err: packets.ErrorRefusedBadUsernameOrPassword, auth: true},
		{desc: "not authorised", err: packets.ErrorRefusedNotAuthorised, auth: true},
		{desc: "server unavailable", err: packets.ErrorRefusedServerUnavailable},
		{desc: "network", err: errors.New("connection reset")},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := classify(tc.err)
			assert.Equal(t, tc.auth, driver.IsAuthentication(err))
			assert.Equal(t, !tc.auth, driver.IsCommunication(err))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestQoS(t *testing.T) {
	d := New(Config{QoS: 1})
	assert.Equal(t, byte(1), d.qos(nil))
	assert.Equal(t, byte(2), d.qos([]byte{2}))
	assert.Equal(t, byte(1), d.qos([]byte{7}))

	assert.Equal(t, byte(1), New(Config{QoS: 9}).cfg.QoS)
}
