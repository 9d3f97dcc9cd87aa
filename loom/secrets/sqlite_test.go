package secrets

import (
	"context"
	"testing"
	"time"
)

func createInMemoryDB(t *testing.T) *SqliteManager {
	t.Helper()
	manager, err := NewSQLiteManager(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory manager: %v", err)
	}
	return manager
}

func createTestSecret(environment, key, value, createdBy string) UnlockedSecret {
	return UnlockedSecret{
		Key:         key,
		Value:       value,
		Environment: environment,
		CreatedAt:   time.Now(),
		CreatedBy:   createdBy,
	}
}

// ensure that interface is satisfied
func TestManagerInterface(t *testing.T) {
	var _ Manager = (*SqliteManager)(nil)
	var _ Manager = (*OpenBaoManager)(nil)
}

func TestAddAndResolveSecret(t *testing.T) {
	manager := createInMemoryDB(t)
	defer manager.db.Close()
	ctx := context.Background()

	secret := createTestSecret("prod", "DEPLOY_TOKEN", "hunter2", "alice")
	if err := manager.AddSecret(ctx, secret); err != nil {
		t.Fatalf("AddSecret: %v", err)
	}

	got, err := manager.Resolve(ctx, "prod", "DEPLOY_TOKEN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Value != "hunter2" {
		t.Errorf("Resolve value = %q, want %q", got.Value, "hunter2")
	}
	if got.CreatedBy != "alice" {
		t.Errorf("Resolve created_by = %q, want %q", got.CreatedBy, "alice")
	}
}

func TestResolveUnknownKey(t *testing.T) {
	manager := createInMemoryDB(t)
	defer manager.db.Close()

	_, err := manager.Resolve(context.Background(), "prod", "MISSING")
	if err != ErrKeyNotFound {
		t.Errorf("Resolve error = %v, want ErrKeyNotFound", err)
	}
}

func TestAddDuplicateKey(t *testing.T) {
	manager := createInMemoryDB(t)
	defer manager.db.Close()
	ctx := context.Background()

	secret := createTestSecret("prod", "API_KEY", "v1", "alice")
	if err := manager.AddSecret(ctx, secret); err != nil {
		t.Fatalf("AddSecret: %v", err)
	}

	err := manager.AddSecret(ctx, createTestSecret("prod", "API_KEY", "v2", "bob"))
	if err != ErrKeyAlreadyPresent {
		t.Errorf("AddSecret error = %v, want ErrKeyAlreadyPresent", err)
	}
}

func TestAddInvalidKey(t *testing.T) {
	manager := createInMemoryDB(t)
	defer manager.db.Close()

	tests := []string{"", "1LEADING_DIGIT", "has-dash", "has space"}
	for _, key := range tests {
		err := manager.AddSecret(context.Background(), createTestSecret("prod", key, "v", "alice"))
		if err != ErrInvalidKeyIdent {
			t.Errorf("AddSecret(%q) error = %v, want ErrInvalidKeyIdent", key, err)
		}
	}
}

func TestSecretsAreEnvironmentScoped(t *testing.T) {
	manager := createInMemoryDB(t)
	defer manager.db.Close()
	ctx := context.Background()

	if err := manager.AddSecret(ctx, createTestSecret("prod", "TOKEN", "prod-token", "alice")); err != nil {
		t.Fatalf("AddSecret: %v", err)
	}
	if err := manager.AddSecret(ctx, createTestSecret("staging", "TOKEN", "staging-token", "alice")); err != nil {
		t.Fatalf("AddSecret: %v", err)
	}

	got, err := manager.Resolve(ctx, "staging", "TOKEN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Value != "staging-token" {
		t.Errorf("Resolve value = %q, want %q", got.Value, "staging-token")
	}

	locked, err := manager.ListSecrets(ctx, "prod")
	if err != nil {
		t.Fatalf("ListSecrets: %v", err)
	}
	if len(locked) != 1 {
		t.Fatalf("ListSecrets len = %d, want 1", len(locked))
	}
}

func TestRemoveSecret(t *testing.T) {
	manager := createInMemoryDB(t)
	defer manager.db.Close()
	ctx := context.Background()

	if err := manager.AddSecret(ctx, createTestSecret("prod", "TOKEN", "v", "alice")); err != nil {
		t.Fatalf("AddSecret: %v", err)
	}

	if err := manager.RemoveSecret(ctx, "prod", "TOKEN"); err != nil {
		t.Fatalf("RemoveSecret: %v", err)
	}

	if err := manager.RemoveSecret(ctx, "prod", "TOKEN"); err != ErrKeyNotFound {
		t.Errorf("RemoveSecret error = %v, want ErrKeyNotFound", err)
	}
}

func TestResolveAll(t *testing.T) {
	manager := createInMemoryDB(t)
	defer manager.db.Close()
	ctx := context.Background()

	for _, key := range []string{"A", "B", "C"} {
		if err := manager.AddSecret(ctx, createTestSecret("prod", key, "v_"+key, "alice")); err != nil {
			t.Fatalf("AddSecret: %v", err)
		}
	}

	all, err := manager.ResolveAll(ctx, "prod")
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ResolveAll len = %d, want 3", len(all))
	}
}
