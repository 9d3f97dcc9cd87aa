// an OpenBao / Vault KV v2 backed secret manager
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
)

type OpenBaoManager struct {
	client    *vault.Client
	mountPath string
	logger    *slog.Logger
}

type OpenBaoManagerOpt func(*OpenBaoManager)

func WithMountPath(mountPath string) OpenBaoManagerOpt {
	return func(v *OpenBaoManager) {
		v.mountPath = mountPath
	}
}

func NewOpenBaoManager(address, token string, logger *slog.Logger, opts ...OpenBaoManagerOpt) (*OpenBaoManager, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	config := vault.DefaultConfig()
	config.Address = address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create openbao client: %w", err)
	}
	client.SetToken(token)

	manager := &OpenBaoManager{
		client:    client,
		mountPath: "loom", // default KV v2 mount path
		logger:    logger,
	}

	for _, opt := range opts {
		opt(manager)
	}

	return manager, nil
}

func (v *OpenBaoManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}

	secretPath := v.buildSecretPath(secret.Environment, secret.Key)

	existing, err := v.client.KVv2(v.mountPath).Get(ctx, secretPath)
	if err == nil && existing != nil {
		return ErrKeyAlreadyPresent
	}

	secretData := map[string]interface{}{
		"value":       secret.Value,
		"environment": secret.Environment,
		"key":         secret.Key,
		"created_at":  secret.CreatedAt.Format(time.RFC3339),
		"created_by":  secret.CreatedBy,
	}

	_, err = v.client.KVv2(v.mountPath).Put(ctx, secretPath, secretData)
	if err != nil {
		return fmt.Errorf("failed to store secret in openbao: %w", err)
	}

	return nil
}

func (v *OpenBaoManager) RemoveSecret(ctx context.Context, environment, key string) error {
	secretPath := v.buildSecretPath(environment, key)

	existing, err := v.client.KVv2(v.mountPath).Get(ctx, secretPath)
	if err != nil || existing == nil {
		return ErrKeyNotFound
	}

	err = v.client.KVv2(v.mountPath).Delete(ctx, secretPath)
	if err != nil {
		return fmt.Errorf("failed to delete secret from openbao: %w", err)
	}

	return nil
}

func (v *OpenBaoManager) Resolve(ctx context.Context, environment, key string) (UnlockedSecret, error) {
	var u UnlockedSecret

	secretPath := v.buildSecretPath(environment, key)
	secretData, err := v.client.KVv2(v.mountPath).Get(ctx, secretPath)
	if err != nil || secretData == nil || secretData.Data == nil {
		return u, ErrKeyNotFound
	}

	return secretFromData(environment, key, secretData.Data), nil
}

func (v *OpenBaoManager) ListSecrets(ctx context.Context, environment string) ([]LockedSecret, error) {
	unlocked, err := v.ResolveAll(ctx, environment)
	if err != nil {
		return nil, err
	}

	var locked []LockedSecret
	for _, u := range unlocked {
		locked = append(locked, LockedSecret{
			Key:         u.Key,
			Environment: u.Environment,
			CreatedAt:   u.CreatedAt,
			CreatedBy:   u.CreatedBy,
		})
	}
	return locked, nil
}

func (v *OpenBaoManager) ResolveAll(ctx context.Context, environment string) ([]UnlockedSecret, error) {
	envPath := v.buildEnvironmentPath(environment)

	secretsList, err := v.client.Logical().ListWithContext(ctx, fmt.Sprintf("%s/metadata/%s", v.mountPath, envPath))
	if err != nil {
		if strings.Contains(err.Error(), "no secret found") || strings.Contains(err.Error(), "no handler for route") {
			return []UnlockedSecret{}, nil
		}
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}

	if secretsList == nil || secretsList.Data == nil {
		return []UnlockedSecret{}, nil
	}

	keys, ok := secretsList.Data["keys"].([]interface{})
	if !ok {
		return []UnlockedSecret{}, nil
	}

	var secrets []UnlockedSecret

	for _, keyInterface := range keys {
		key, ok := keyInterface.(string)
		if !ok {
			continue
		}

		secretData, err := v.client.KVv2(v.mountPath).Get(ctx, path.Join(envPath, key))
		if err != nil {
			continue // skip secrets we can't read
		}

		if secretData == nil || secretData.Data == nil {
			continue
		}

		secrets = append(secrets, secretFromData(environment, key, secretData.Data))
	}

	return secrets, nil
}

func secretFromData(environment, key string, data map[string]interface{}) UnlockedSecret {
	valueStr, _ := data["value"].(string)

	createdAtStr, ok := data["created_at"].(string)
	if !ok {
		createdAtStr = time.Now().Format(time.RFC3339)
	}
	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		createdAt = time.Now()
	}

	createdByStr, _ := data["created_by"].(string)

	keyStr, ok := data["key"].(string)
	if !ok {
		keyStr = key
	}

	return UnlockedSecret{
		Key:         keyStr,
		Value:       valueStr,
		Environment: environment,
		CreatedAt:   createdAt,
		CreatedBy:   createdByStr,
	}
}

// buildEnvironmentPath creates an OpenBao path for a deployment environment
func (v *OpenBaoManager) buildEnvironmentPath(environment string) string {
	envPath := strings.ReplaceAll(environment, "/", "_")
	envPath = strings.ReplaceAll(envPath, ":", "_")
	envPath = strings.ReplaceAll(envPath, ".", "_")
	return fmt.Sprintf("environments/%s", envPath)
}

// buildSecretPath creates an OpenBao path for a specific secret
func (v *OpenBaoManager) buildSecretPath(environment, key string) string {
	return path.Join(v.buildEnvironmentPath(environment), key)
}
