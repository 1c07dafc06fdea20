package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"crypto-strategy-bot/internal/exchange"
)

// ErrNotLinked means no credentials exist for the (user, exchange) pair.
var ErrNotLinked = errors.New("exchange not linked")

// Config for the HashiCorp Vault connection. Disabled mode keeps everything
// in the in-memory cache, for development and tests.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
}

// Client stores per-(user, exchange) API keys in Vault KV v2, with an
// in-memory read cache.
type Client struct {
	client *api.Client
	cfg    Config

	mu    sync.RWMutex
	cache map[string]*exchange.Credentials
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "exchange-keys"
	}

	c := &Client{cfg: cfg, cache: make(map[string]*exchange.Credentials)}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// NewMockClient returns a disabled-mode client for tests.
func NewMockClient() *Client {
	return &Client{cfg: Config{MountPath: "secret", SecretPath: "exchange-keys"}, cache: make(map[string]*exchange.Credentials)}
}

// Store saves credentials for (user, exchange), replacing any previous pair.
func (c *Client) Store(ctx context.Context, userID, exchangeID string, cred exchange.Credentials) error {
	if c.cfg.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    cred.APIKey,
				"api_secret": cred.APISecret,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(userID, exchangeID), secretData); err != nil {
			return fmt.Errorf("storing credentials in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[cacheKey(userID, exchangeID)] = &cred
	c.mu.Unlock()
	return nil
}

// Get resolves credentials for (user, exchange), or ErrNotLinked.
func (c *Client) Get(ctx context.Context, userID, exchangeID string) (exchange.Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[cacheKey(userID, exchangeID)]; ok {
		c.mu.RUnlock()
		return *cached, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		return exchange.Credentials{}, ErrNotLinked
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(userID, exchangeID))
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("reading credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return exchange.Credentials{}, ErrNotLinked
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return exchange.Credentials{}, fmt.Errorf("invalid secret format")
	}

	cred := exchange.Credentials{
		APIKey:    getString(data, "api_key"),
		APISecret: getString(data, "api_secret"),
	}
	if cred.APIKey == "" {
		return exchange.Credentials{}, ErrNotLinked
	}

	c.mu.Lock()
	c.cache[cacheKey(userID, exchangeID)] = &cred
	c.mu.Unlock()
	return cred, nil
}

// Delete removes credentials for (user, exchange).
func (c *Client) Delete(ctx context.Context, userID, exchangeID string) error {
	c.mu.Lock()
	delete(c.cache, cacheKey(userID, exchangeID))
	c.mu.Unlock()

	if !c.cfg.Enabled {
		return nil
	}
	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(userID, exchangeID)); err != nil {
		return fmt.Errorf("deleting credentials from vault: %w", err)
	}
	return nil
}

// InvalidateUser drops cached credentials for a user, forcing the next read
// through to Vault.
func (c *Client) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := userID + "/"
	for key := range c.cache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.cache, key)
		}
	}
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(userID, exchangeID string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", c.cfg.MountPath, c.cfg.SecretPath, userID, exchangeID)
}

func (c *Client) metadataPath(userID, exchangeID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/%s", c.cfg.MountPath, c.cfg.SecretPath, userID, exchangeID)
}

func cacheKey(userID, exchangeID string) string {
	return userID + "/" + exchangeID
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
