package mqttclient

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/echoes-of-korea/oral-archive/internal/events"
	"github.com/echoes-of-korea/oral-archive/internal/metrics"
)

// Client mirrors archive events to an MQTT broker. It implements events.Sink.
type Client struct {
	conn        mqtt.Client
	topicPrefix string
	connected   atomic.Bool
	log         zerolog.Logger
}

type Options struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		topicPrefix: strings.Trim(opts.TopicPrefix, "/"),
		log:         opts.Log.With().Str("component", "mqtt").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.topicPrefix).Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Forward publishes the event at QoS 0 without waiting for the broker.
// Events are dropped while disconnected.
func (c *Client) Forward(e events.Event) {
	if !c.IsConnected() {
		metrics.MQTTPublishedTotal.WithLabelValues("dropped").Inc()
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		metrics.MQTTPublishedTotal.WithLabelValues("error").Inc()
		return
	}
	topic := Topic(c.topicPrefix, e)
	token := c.conn.Publish(topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			metrics.MQTTPublishedTotal.WithLabelValues("timeout").Inc()
			return
		}
		if err := token.Error(); err != nil {
			metrics.MQTTPublishedTotal.WithLabelValues("error").Inc()
			c.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
			return
		}
		metrics.MQTTPublishedTotal.WithLabelValues("ok").Inc()
	}()
}

// Topic returns the topic an event is published on:
// {prefix}/interviews/{id}/{type}, or {prefix}/{type} for events without
// an interview.
func Topic(prefix string, e events.Event) string {
	parts := make([]string, 0, 4)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	if e.InterviewID != "" {
		parts = append(parts, "interviews", e.InterviewID)
	}
	parts = append(parts, e.Type)
	return strings.Join(parts, "/")
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
