package config

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// VaultConfig holds Vault connection configuration.
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	AuthMethod string `mapstructure:"auth_method"` // "token", "kubernetes", "approle"
	MountPath  string `mapstructure:"mount_path"`
	SecretPath string `mapstructure:"secret_path"`
	Namespace  string `mapstructure:"namespace"`
}

// VaultClient wraps the HashiCorp Vault client for secret retrieval.
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates an authenticated Vault client.
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	switch cfg.AuthMethod {
	case "token", "":
		if cfg.Token == "" {
			cfg.Token = os.Getenv("VAULT_TOKEN")
		}
		if cfg.Token == "" {
			return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
		}
		client.SetToken(cfg.Token)

	case "kubernetes":
		if err := authenticateKubernetes(client, cfg); err != nil {
			return nil, fmt.Errorf("kubernetes authentication failed: %w", err)
		}

	case "approle":
		if err := authenticateAppRole(client, cfg); err != nil {
			return nil, fmt.Errorf("AppRole authentication failed: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported Vault auth method: %s", cfg.AuthMethod)
	}

	log.Info().
		Str("address", cfg.Address).
		Str("auth_method", cfg.AuthMethod).
		Str("secret_path", cfg.SecretPath).
		Msg("Vault client initialized")

	return &VaultClient{client: client, config: cfg}, nil
}

// GetSecret retrieves a KV secret. The path is relative to the
// configured SecretPath.
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", vc.config.MountPath, vc.config.SecretPath, path)

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	// KV v2 nests the payload under "data".
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

// GetSecretString retrieves a single string value.
func (vc *VaultClient) GetSecretString(ctx context.Context, path, key string) (string, error) {
	data, err := vc.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}
	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("secret key %q not found or not a string at path: %s", key, path)
	}
	return value, nil
}

// LoadSecretsFromVault overlays secrets onto the configuration. Each
// secret group is optional; a missing group leaves the configured value
// (typically an environment variable) in place.
func LoadSecretsFromVault(ctx context.Context, cfg *Config) error {
	if !cfg.Vault.Enabled {
		log.Info().Msg("Vault integration disabled, using environment variables for secrets")
		return nil
	}

	vc, err := NewVaultClient(cfg.Vault)
	if err != nil {
		return fmt.Errorf("failed to create Vault client: %w", err)
	}

	if url, err := vc.GetSecretString(ctx, "database", "url"); err != nil {
		log.Warn().Err(err).Msg("Failed to load database secrets from Vault")
	} else {
		cfg.Database.URL = url
	}

	if password, err := vc.GetSecretString(ctx, "redis", "password"); err != nil {
		log.Warn().Err(err).Msg("Failed to load Redis secrets from Vault")
	} else {
		cfg.Redis.Password = password
	}

	if token, err := vc.GetSecretString(ctx, "telegram", "bot_token"); err != nil {
		log.Warn().Err(err).Msg("Failed to load Telegram secrets from Vault")
	} else {
		cfg.Telegram.BotToken = token
	}

	log.Info().Msg("Secrets loaded from Vault")
	return nil
}

func authenticateKubernetes(client *vault.Client, cfg VaultConfig) error {
	jwt, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/token")
	if err != nil {
		return fmt.Errorf("failed to read service account token: %w", err)
	}

	role := os.Getenv("VAULT_K8S_ROLE")
	if role == "" {
		role = "fxengine"
	}

	secret, err := client.Logical().Write("auth/kubernetes/login", map[string]interface{}{
		"role": role,
		"jwt":  string(jwt),
	})
	if err != nil {
		return fmt.Errorf("kubernetes login failed: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("kubernetes login returned no auth data")
	}

	client.SetToken(secret.Auth.ClientToken)
	return nil
}

func authenticateAppRole(client *vault.Client, cfg VaultConfig) error {
	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID == "" || secretID == "" {
		return fmt.Errorf("VAULT_ROLE_ID and VAULT_SECRET_ID must be set for AppRole authentication")
	}

	secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("approle login failed: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("approle login returned no auth data")
	}

	client.SetToken(secret.Auth.ClientToken)
	return nil
}
