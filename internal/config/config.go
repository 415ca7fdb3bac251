package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service  ServiceConfig         `koanf:"service"`
	Node     NodeConfig            `koanf:"node"`
	Postgres PostgresConfig        `koanf:"postgres"`
	Kafka    KafkaConfig           `koanf:"kafka"`
	Peers    map[string]PeerConfig `koanf:"peers"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type NodeConfig struct {
	ILPAddress               string `koanf:"ilp_address"`
	RoutingSecretSeed        string `koanf:"routing_secret_seed"`
	RouteBroadcastIntervalMs int    `koanf:"route_broadcast_interval_ms"`
	AcceptDefaultFromParent  bool   `koanf:"accept_default_from_parent"`
}

// SecretSeed decodes the hex-encoded 32-byte node secret seed.
func (n *NodeConfig) SecretSeed() ([]byte, error) {
	seed, err := hex.DecodeString(n.RoutingSecretSeed)
	if err != nil {
		return nil, fmt.Errorf("routing_secret_seed is not valid hex: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("routing_secret_seed must be 32 bytes, got %d", len(seed))
	}
	return seed, nil
}

type PeerConfig struct {
	ID            uint64 `koanf:"id"`
	ILPAddress    string `koanf:"ilp_address"`
	RoutePrefix   string `koanf:"route_prefix"`
	Relation      string `koanf:"relation"`
	SendRoutes    bool   `koanf:"send_routes"`
	ReceiveRoutes bool   `koanf:"receive_routes"`
	Configured    bool   `koanf:"configured"`
	AssetCode     string `koanf:"asset_code"`
	AssetScale    int    `koanf:"asset_scale"`
}

// PostgresConfig is optional: an empty DSN disables the database-backed
// account source.
type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

func (p *PostgresConfig) Enabled() bool {
	return p.DSN != ""
}

// KafkaConfig is optional: no brokers disables the route-event audit
// stream.
type KafkaConfig struct {
	Brokers  []string   `koanf:"brokers"`
	Topic    string     `koanf:"topic"`
	ClientID string     `koanf:"client_id"`
	Compress bool       `koanf:"compress"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

func (k *KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: CCP_ROUTER_NODE__ILP_ADDRESS → node.ilp_address
	if err := k.Load(env.Provider("CCP_ROUTER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "CCP_ROUTER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "ccp-router-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Node: NodeConfig{
			RouteBroadcastIntervalMs: 30000,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 2,
		},
		Kafka: KafkaConfig{
			Topic:    "ccp.route_events",
			ClientID: "ccp-router",
			Compress: true,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Node.ILPAddress == "" {
		return fmt.Errorf("config: node.ilp_address is required")
	}
	if c.Node.RoutingSecretSeed == "" {
		return fmt.Errorf("config: node.routing_secret_seed is required")
	}
	if _, err := c.Node.SecretSeed(); err != nil {
		return fmt.Errorf("config: node.routing_secret_seed: %w", err)
	}
	if c.Node.RouteBroadcastIntervalMs <= 0 {
		return fmt.Errorf("config: node.route_broadcast_interval_ms must be > 0 (got %d)", c.Node.RouteBroadcastIntervalMs)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Postgres.Enabled() {
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required when brokers are set")
	}

	seenIDs := make(map[uint64]string, len(c.Peers))
	for name, peer := range c.Peers {
		if peer.ID == 0 {
			return fmt.Errorf("config: peers.%s.id is required and must be > 0", name)
		}
		if prev, dup := seenIDs[peer.ID]; dup {
			return fmt.Errorf("config: peers.%s and peers.%s share id %d", prev, name, peer.ID)
		}
		seenIDs[peer.ID] = name
		if peer.ILPAddress == "" {
			return fmt.Errorf("config: peers.%s.ilp_address is required", name)
		}
		switch peer.Relation {
		case "Parent", "parent", "Peer", "peer", "Child", "child":
		default:
			return fmt.Errorf("config: peers.%s.relation must be Parent, Peer, or Child (got %q)", name, peer.Relation)
		}
	}

	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
