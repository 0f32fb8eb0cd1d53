package subscriber

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all necessary configuration for the upstream MQTT connection.
// It defines connection parameters, security settings, and the behavior of
// the dynamic subscription manager.
type Config struct {
	// BrokerURL is the full URL of the MQTT broker to connect to.
	// Example: "tls://mqtt.example.com:8883"
	BrokerURL string
	// ClientIDPrefix is a prefix for the MQTT client ID. A unique suffix is
	// automatically added to ensure client uniqueness, which is required by most brokers.
	ClientIDPrefix string
	// Username for authenticating with the MQTT broker.
	Username string
	// Password for authenticating with the MQTT broker.
	Password string
	// QoS is the quality-of-service level used for every subscription.
	QoS byte
	// KeepAlive is the interval at which the client sends keep-alive pings to the broker.
	KeepAlive time.Duration
	// ConnectTimeout is the timeout for each connection attempt.
	ConnectTimeout time.Duration
	// SubscribeTimeout bounds protocol-level subscribe and unsubscribe calls.
	SubscribeTimeout time.Duration
	// ReconnectWait is the fixed delay before each reconnection attempt
	// after a transport failure.
	ReconnectWait time.Duration
	// BufferSize is the capacity of the envelope handoff channel. When the
	// channel is full, inbound messages are dropped rather than stalling the
	// receive path.
	BufferSize int
	// CACertFile is an optional path to a CA certificate file for verifying the broker's certificate.
	CACertFile string
	// ClientCertFile is an optional path to a client certificate file for mTLS authentication.
	ClientCertFile string
	// ClientKeyFile is an optional path to a client key file for mTLS authentication.
	ClientKeyFile string
	// InsecureSkipVerify skips TLS certificate verification.
	// This is NOT recommended for production environments.
	InsecureSkipVerify bool
}

// Env constants for MQTT settings.
const (
	MqttBrokerURL             = "MQTT_BROKER_URL"
	MqttUsername              = "MQTT_USERNAME"
	MqttPassword              = "MQTT_PASSWORD"
	MqttQos                   = "MQTT_QOS"
	MqttSkipVerify            = "MQTT_INSECURE_SKIP_VERIFY"
	MqttKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	MqttConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
)

// LoadConfigWithEnv loads MQTT operational configuration from environment
// variables, populating timeouts and credentials with sensible defaults if
// the environment variables are not set.
func LoadConfigWithEnv() *Config {
	cfg := &Config{
		BrokerURL:        "tcp://localhost:1883",
		ClientIDPrefix:   "mqtt-bridge-",
		QoS:              1,
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		SubscribeTimeout: 5 * time.Second,
		ReconnectWait:    5 * time.Second,
		BufferSize:       1000,
	}
	if broker := os.Getenv(MqttBrokerURL); broker != "" {
		cfg.BrokerURL = broker
	}
	cfg.Username = os.Getenv(MqttUsername)
	cfg.Password = os.Getenv(MqttPassword)

	if qos := os.Getenv(MqttQos); qos != "" {
		switch qos {
		case "0":
			cfg.QoS = 0
		case "1":
			cfg.QoS = 1
		case "2":
			cfg.QoS = 2
		default:
			log.Printf("subscriber: invalid MQTT_QOS %q, using default", qos)
		}
	}
	if skipVerify := os.Getenv(MqttSkipVerify); skipVerify == "true" {
		cfg.InsecureSkipVerify = true
	}

	// Parse durations if set in env, otherwise use defaults
	if ka := os.Getenv(MqttKeepAliveSeconds); ka != "" {
		s, err := time.ParseDuration(ka + "s")
		if err == nil {
			cfg.KeepAlive = s
		} else {
			log.Printf("subscriber: error parsing keepAlive seconds: %s, using default", err)
		}
	}
	if ct := os.Getenv(MqttConnectTimeoutSeconds); ct != "" {
		s, err := time.ParseDuration(ct + "s")
		if err == nil {
			cfg.ConnectTimeout = s
		} else {
			log.Printf("subscriber: error parsing connect timeout seconds: %s, using default", err)
		}
	}

	return cfg
}

// newTLSConfig is a helper to create a tls.Config from the certificate paths.
func newTLSConfig(cfg *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
