// Package keys provides signing key management for access token issuance.
// It handles key lifecycle including loading from PEM files, ephemeral
// generation, and retrieval.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fhirstack/authcore/pkg/logger"
)

// DefaultAlgorithm is the signing algorithm for issued access tokens.
// ES256 (ECDSA with P-256) gives equivalent security to RSA-3072 with
// smaller keys and faster operations.
const DefaultAlgorithm = "ES256"

// ErrNoSigningKey indicates no signing key is available.
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKey represents a signing key with its metadata.
// This contains private key material and should not be exposed externally.
type SigningKey struct {
	// KeyID uniquely identifies this key across rotations.
	KeyID string

	// Algorithm is the signing algorithm, e.g. "ES256".
	Algorithm string

	// Key is the private key used for signing.
	Key *ecdsa.PrivateKey

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}

// PublicKey is the public portion of a signing key, safe to expose for
// verification.
type PublicKey struct {
	KeyID     string
	Algorithm string
	Key       *ecdsa.PublicKey
	CreatedAt time.Time
}

// Provider provides signing keys for token operations.
// Implementations handle key sourcing (file, memory, generation).
type Provider interface {
	// SigningKey returns the current signing key.
	// Returns ErrNoSigningKey if no key is available.
	SigningKey(ctx context.Context) (*SigningKey, error)

	// PublicKeys returns all public keys for verification.
	// May return multiple keys during rotation periods.
	PublicKeys(ctx context.Context) ([]*PublicKey, error)
}

// Config holds configuration for creating a Provider.
type Config struct {
	// KeyDir is the directory containing PEM-encoded private key files.
	KeyDir string

	// SigningKeyFile is the filename of the primary signing key, relative
	// to KeyDir. If both KeyDir and SigningKeyFile are empty, an ephemeral
	// key is generated.
	SigningKeyFile string

	// FallbackKeyFiles are additional keys kept verifiable during rotation.
	// They are never used for signing new tokens.
	FallbackKeyFiles []string
}

// NewProviderFromConfig creates a Provider based on the configuration:
// load from files when KeyDir is set, otherwise generate an ephemeral key.
func NewProviderFromConfig(cfg Config) (Provider, error) {
	if cfg.KeyDir != "" {
		return NewFileProvider(cfg)
	}
	return NewGeneratingProvider(), nil
}

// DeriveKeyID computes a stable identifier for a key: base64url of the
// SHA-256 digest of the PKIX-encoded public key. Deterministic, so the same
// key file always yields the same kid.
func DeriveKeyID(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// FileProvider loads signing keys from PEM files in a directory.
// Keys are loaded once at construction time; changes require restart.
type FileProvider struct {
	signingKey *SigningKey
	allKeys    []*SigningKey
}

// NewFileProvider creates a provider that loads keys from a directory.
// Supports ECDSA keys in SEC1 ("EC PRIVATE KEY") and PKCS8 PEM encodings.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signingKey, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	allKeys := []*SigningKey{signingKey}
	for _, filename := range cfg.FallbackKeyFiles {
		key, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		allKeys = append(allKeys, key)
	}

	return &FileProvider{
		signingKey: signingKey,
		allKeys:    allKeys,
	}, nil
}

func loadKeyFromFile(keyPath string) (*SigningKey, error) {
	data, err := os.ReadFile(keyPath) //nolint:gosec // key path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", keyPath)
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC key: %w", err)
		}
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS8 key: %w", err)
		}
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T, expected ECDSA", parsed)
		}
		key = ecKey
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}

	keyID, err := DeriveKeyID(key)
	if err != nil {
		return nil, err
	}

	return &SigningKey{
		KeyID:     keyID,
		Algorithm: DefaultAlgorithm,
		Key:       key,
		CreatedAt: time.Now(),
	}, nil
}

// SigningKey returns the primary signing key.
// Returns a copy to prevent external mutation of internal state.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	copied := *p.signingKey
	return &copied, nil
}

// PublicKeys returns public keys for all loaded keys (signing + fallback),
// so tokens signed with any of them remain verifiable across rotation.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKey, error) {
	pubKeys := make([]*PublicKey, 0, len(p.allKeys))
	for _, key := range p.allKeys {
		pubKeys = append(pubKeys, &PublicKey{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			Key:       &key.Key.PublicKey,
			CreatedAt: key.CreatedAt,
		})
	}
	return pubKeys, nil
}

// GeneratingProvider generates an ephemeral P-256 key on first access.
// Suitable for development but NOT for production: generated keys are lost
// on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	mu  sync.Mutex
	key *SigningKey
}

// NewGeneratingProvider creates a provider that generates an ephemeral key
// lazily on first SigningKey() call.
func NewGeneratingProvider() *GeneratingProvider {
	return &GeneratingProvider{}
}

// SigningKey returns the signing key, generating one if needed.
// Returns a copy to prevent external mutation of internal state.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		keyID, err := DeriveKeyID(privateKey)
		if err != nil {
			return nil, err
		}

		logger.Warnw("generated ephemeral signing key - tokens will be invalid after restart",
			"key_id", keyID,
		)

		p.key = &SigningKey{
			KeyID:     keyID,
			Algorithm: DefaultAlgorithm,
			Key:       privateKey,
			CreatedAt: time.Now(),
		}
	}

	copied := *p.key
	return &copied, nil
}

// PublicKeys returns the public key, generating the signing key if it has
// not been generated yet.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKey, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKey{{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		Key:       &key.Key.PublicKey,
		CreatedAt: key.CreatedAt,
	}}, nil
}

// Compile-time interface checks.
var (
	_ Provider = (*FileProvider)(nil)
	_ Provider = (*GeneratingProvider)(nil)
)
