package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models storeline.yml.
type Config struct {
	Store struct {
		ID         string   `yaml:"id"`
		ProductIDs []string `yaml:"product_ids"`
	} `yaml:"store"`
	Verification Verification `yaml:"verification"`
	Catalog      struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"catalog"`
	Sandbox struct {
		Environment string           `yaml:"environment"`
		Products    []SandboxProduct `yaml:"products"`
	} `yaml:"sandbox"`
	Logging Logging `yaml:"logging"`
	Publish struct {
		Redis RedisPublish `yaml:"redis"`
	} `yaml:"publish"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type Verification struct {
	Algorithm      string `yaml:"algorithm"`
	Issuer         string `yaml:"issuer"`
	Secret         string `yaml:"secret"`
	PublicKeyFile  string `yaml:"public_key_file"`
	PrivateKeyFile string `yaml:"private_key_file"`
}

type SandboxProduct struct {
	ID          string `yaml:"id"`
	Kind        string `yaml:"kind"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
	Price       string `yaml:"price"`
	// Period is a Go duration for auto-renewable products, e.g. 720h.
	Period string `yaml:"period"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RedisPublish struct {
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Key     string `yaml:"key"`
	Channel string `yaml:"channel"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Store.ID == "" {
		return fmt.Errorf("config.store.id is required")
	}
	if len(c.Store.ProductIDs) == 0 {
		return fmt.Errorf("config.store.product_ids is required")
	}
	seen := map[string]struct{}{}
	for _, id := range c.Store.ProductIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.store.product_ids contains an empty id")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("config.store.product_ids lists %s twice", id)
		}
		seen[id] = struct{}{}
	}
	switch c.Verification.Algorithm {
	case "HS256":
		if c.Verification.Secret == "" {
			return fmt.Errorf("config.verification.secret is required for HS256")
		}
	case "ES256":
		if c.Verification.PublicKeyFile == "" {
			return fmt.Errorf("config.verification.public_key_file is required for ES256")
		}
	default:
		return fmt.Errorf("config.verification.algorithm must be HS256 or ES256")
	}
	for _, p := range c.Sandbox.Products {
		if p.ID == "" {
			return fmt.Errorf("sandbox product with empty id")
		}
		switch p.Kind {
		case "auto_renewable", "non_renewing":
			if _, err := time.ParseDuration(p.Period); err != nil {
				return fmt.Errorf("sandbox product %s: invalid period %q", p.ID, p.Period)
			}
		case "non_consumable":
		default:
			return fmt.Errorf("sandbox product %s: unknown kind %q", p.ID, p.Kind)
		}
		if p.Price != "" {
			if _, err := decimal.NewFromString(p.Price); err != nil {
				return fmt.Errorf("sandbox product %s: invalid price %q", p.ID, p.Price)
			}
		}
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	if c.Publish.Redis.Addr != "" && c.Publish.Redis.Key == "" && c.Publish.Redis.Channel == "" {
		return fmt.Errorf("config.publish.redis needs a key or a channel")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// CatalogTimeout returns the remote catalog request timeout.
func (c *Config) CatalogTimeout() time.Duration {
	if c.Catalog.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Catalog.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "storeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(storeID, secret string) string {
	return fmt.Sprintf(defaultTemplate, storeID, storeID, storeID, secret, storeID, storeID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a store.
func Default(storeID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(storeID, "sandbox-secret"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `store:
  id: %s
  product_ids:
    - %s.monthly
    - %s.lifetime

verification:
  algorithm: HS256
  issuer: storeline-sandbox
  secret: %s

sandbox:
  environment: sandbox
  products:
    - id: %s.monthly
      kind: auto_renewable
      display_name: "Monthly"
      description: "All features, billed monthly"
      price: "4.99"
      period: 720h
    - id: %s.lifetime
      kind: non_consumable
      display_name: "Lifetime"
      description: "All features, forever"
      price: "49.99"

logging:
  level: info
  format: console
`
