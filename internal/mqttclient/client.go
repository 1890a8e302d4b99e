package mqttclient

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Client is a publish-only MQTT connection.
type Client struct {
	conn      mqtt.Client
	connected atomic.Bool
	published atomic.Int64
	timeout   time.Duration
	log       zerolog.Logger
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// StatusTopic receives a retained "offline" will and an "online" message
	// on every connect. Empty disables both.
	StatusTopic string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		timeout: 5 * time.Second,
		log:     opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true).
		SetConnectionLostHandler(c.onConnectionLost).
		SetOnConnectHandler(func(client mqtt.Client) {
			c.onConnect(client, opts.StatusTopic)
		})

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}
	if opts.StatusTopic != "" {
		clientOpts.SetWill(opts.StatusTopic, "offline", 1, true)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(client mqtt.Client, statusTopic string) {
	c.connected.Store(true)
	c.log.Info().Msg("mqtt connected")
	if statusTopic != "" {
		client.Publish(statusTopic, 1, true, "online")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Publish sends payload at QoS 0 and waits up to the client timeout for the
// write to complete.
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	token := c.conn.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	c.published.Add(1)
	return nil
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Published returns the number of messages sent so far.
func (c *Client) Published() int64 {
	return c.published.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

// JoinTopic joins topic levels, ignoring empty levels and stray slashes.
func JoinTopic(levels ...string) string {
	var parts []string
	for _, l := range levels {
		l = strings.Trim(strings.TrimSpace(l), "/")
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "/")
}
