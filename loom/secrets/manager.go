package secrets

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Secret is scoped to a deployment environment. The engine resolves
// secrets immediately before dispatching a job and never keeps the
// plaintext beyond that job's execution context.
type Secret[T any] struct {
	Key         string
	Value       T
	Environment string
	CreatedAt   time.Time
	CreatedBy   string
}

// the secret value is not present
type LockedSecret = Secret[struct{}]

// the secret is present in plaintext; never expose this publicly,
// only hand it to a job execution context
type UnlockedSecret = Secret[string]

type Manager interface {
	AddSecret(ctx context.Context, secret UnlockedSecret) error
	RemoveSecret(ctx context.Context, environment, key string) error
	Resolve(ctx context.Context, environment, key string) (UnlockedSecret, error)
	ListSecrets(ctx context.Context, environment string) ([]LockedSecret, error)
	ResolveAll(ctx context.Context, environment string) ([]UnlockedSecret, error)
}

// Stopper is implemented by managers that need cleanup.
type Stopper interface {
	Stop()
}

var ErrKeyAlreadyPresent = errors.New("key already present")
var ErrInvalidKeyIdent = errors.New("key is not a valid identifier")
var ErrKeyNotFound = errors.New("key not found")

// ensure that we are satisfying the interface
var (
	_ = []Manager{
		&SqliteManager{},
		&OpenBaoManager{},
	}
)

var (
	// shell identifier syntax; secrets surface as environment variables
	keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func isValidKey(key string) bool {
	if key == "" {
		return false
	}
	return keyIdent.MatchString(key)
}

func ValidateKey(key string) error {
	if !isValidKey(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}
