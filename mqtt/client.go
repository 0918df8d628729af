package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Message is one inbound MQTT message handed to the caller's handler.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// MessageHandler receives every inbound message. A panic inside the
// handler is recovered and logged by the Client, per subscribed topic.
type MessageHandler func(Message)

// Client owns a single managed MQTT connection with auto-reconnect,
// grounded on the paho.mqtt.golang usage idiom in
// bcdiaconu-chint-mqtt-modbus-bridge's USRGateway (client options, on-connect
// and connection-lost handlers) and generalized from a single-gateway
// subscription to an arbitrary set of topic filters.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	client  paho.Client
	handler MessageHandler

	mu        sync.RWMutex
	connected bool
}

// New creates a Client. The broker connection is not opened until Start.
func New(cfg Config, handler MessageHandler, logger *slog.Logger) *Client {
	c := &Client{cfg: cfg, logger: logger, handler: handler}

	opts := paho.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerHost, cfg.BrokerPort))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetKeepAlive(time.Duration(cfg.KeepAliveSeconds) * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Duration(cfg.ReconnectDelaySeconds) * time.Second)
	opts.SetConnectRetry(true)

	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: cfg.AllowInvalidCerts})
	}

	opts.SetOnConnectHandler(func(paho.Client) {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		c.logger.Info("mqtt connected", "broker", cfg.BrokerHost)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = paho.NewClient(opts)
	return c
}

// Start connects to the broker.
func (c *Client) Start() error {
	token := c.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (c *Client) Stop() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// Subscribe subscribes to the given topic filters at the given QoS,
// invoking the configured handler for every message. A panic inside the
// handler is recovered and logged per topic; it never crashes the client
// or the process, per spec §4.4/§7.
func (c *Client) Subscribe(filters map[string]byte) error {
	for topic, qos := range filters {
		topic := topic
		callback := func(_ paho.Client, m paho.Message) {
			c.dispatch(topic, m)
		}
		token := c.client.Subscribe(topic, qos, callback)
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (c *Client) dispatch(subscribedTopic string, m paho.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("mqtt handler panic", "topic", subscribedTopic, "recovered", r)
		}
	}()

	c.handler(Message{
		Topic:    m.Topic(),
		Payload:  m.Payload(),
		QoS:      m.Qos(),
		Retained: m.Retained(),
	})
}

// IsConnected reports whether the broker connection is currently up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
