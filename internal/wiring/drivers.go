// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring assembles protocol drivers from configuration.
package wiring

import (
	gotls "crypto/tls"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/driver"
	"github.com/absmach/fluxdispatch/driver/amqp"
	"github.com/absmach/fluxdispatch/driver/coap"
	"github.com/absmach/fluxdispatch/driver/http"
	"github.com/absmach/fluxdispatch/driver/mqtt"
	"github.com/absmach/fluxdispatch/driver/nats"
	"github.com/absmach/fluxdispatch/driver/websocket"
	"github.com/absmach/fluxdispatch/pkg/tls"
	"github.com/pion/dtls/v3"
)

// RegisterDrivers registers a factory for every network protocol in reg.
// TLS material is loaded once here so a bad certificate fails startup rather
// than the first connection attempt.
func RegisterDrivers(reg *driver.Registry, cfg config.DriversConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	load := func(name string, c *tls.Config) (*gotls.Config, error) {
		tc, err := tls.LoadClientConfig[*gotls.Config](c)
		if err != nil {
			return nil, fmt.Errorf("%s driver tls: %w", name, err)
		}
		logger.Debug("driver_security", slog.String("type", name), slog.String("security", tls.SecurityStatus(tc)))
		return tc, nil
	}

	mqttTLS, err := load(mqtt.Type, &cfg.MQTT.TLS)
	if err != nil {
		return err
	}
	natsTLS, err := load(nats.Type, &cfg.NATS.TLS)
	if err != nil {
		return err
	}
	amqpTLS, err := load(amqp.Type, &cfg.AMQP.TLS)
	if err != nil {
		return err
	}
	wsTLS, err := load(websocket.Type, &cfg.WebSocket.TLS)
	if err != nil {
		return err
	}
	httpTLS, err := load(http.Type, &cfg.HTTP.TLS)
	if err != nil {
		return err
	}
	coapDTLS, err := tls.LoadClientConfig[*dtls.Config](&cfg.CoAP.DTLS)
	if err != nil {
		return fmt.Errorf("%s driver dtls: %w", coap.Type, err)
	}

	factories := []struct {
		typ string
		f   driver.Factory
	}{
		{mqtt.Type, mqtt.Factory(mqtt.Config{
			ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            cfg.MQTT.QoS,
			Retain:         cfg.MQTT.Retain,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			WriteTimeout:   cfg.MQTT.WriteTimeout,
			TLS:            mqttTLS,
		})},
		{nats.Type, nats.Factory(nats.Config{
			Name:           cfg.NATS.Name,
			Username:       cfg.NATS.Username,
			Password:       cfg.NATS.Password,
			Token:          cfg.NATS.Token,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			FlushTimeout:   cfg.NATS.FlushTimeout,
			TLS:            natsTLS,
		})},
		{amqp.Type, amqp.Factory(amqp.Config{
			Exchange:   cfg.AMQP.Exchange,
			Mandatory:  cfg.AMQP.Mandatory,
			Persistent: cfg.AMQP.Persistent,
			Heartbeat:  cfg.AMQP.Heartbeat,
			TLS:        amqpTLS,
		})},
		{websocket.Type, websocket.Factory(websocket.Config{
			HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
			CallTimeout:      cfg.WebSocket.CallTimeout,
			Headers:          cfg.WebSocket.Headers,
			TLS:              wsTLS,
		})},
		{http.Type, http.Factory(http.Config{
			Timeout: cfg.HTTP.Timeout,
			Headers: cfg.HTTP.Headers,
			TLS:     httpTLS,
		})},
		{coap.Type, coap.Factory(coap.Config{
			Timeout: cfg.CoAP.Timeout,
			DTLS:    coapDTLS,
		})},
	}

	for _, f := range factories {
		if err := reg.Register(f.typ, f.f); err != nil {
			return err
		}
	}
	return nil
}
