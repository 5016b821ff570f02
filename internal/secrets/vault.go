package secrets

import "context"

// Vault resolves opaque credential handles (the credentials_ref on a
// distribution target) into credential material at publish time. Material is
// encrypted at rest (AES-256-GCM) and decrypted in-memory only; the engine
// and the definition format never carry plaintext secrets.
type Vault interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
	Store(ctx context.Context, ref string, value []byte) error
	Delete(ctx context.Context, ref string) error
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
}
