package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const keyBits = 2048

// ErrKeyMismatch means the wrapped symmetric key could not be
// decrypted with the agent's private key. This happens when the key
// pair was regenerated after the item was accepted; it is permanent
// for that item.
var ErrKeyMismatch = errors.New("symmetric key does not match agent key pair")

var ErrKeyExists = errors.New("key pair already exists")

// Manager holds the agent's long-lived RSA key pair. It is created
// once via Generate and loaded on every start; it is never rotated
// automatically.
type Manager struct {
	private *rsa.PrivateKey
}

// FromKey wraps an in-memory private key. Tests use this to run with
// a fresh pair instead of touching the config directory.
func FromKey(private *rsa.PrivateKey) *Manager {
	return &Manager{private: private}
}

// Load reads the PEM-encoded private key at path.
func Load(path string) (*Manager, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &Manager{private: key}, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(der)
}

// Generate creates a new key pair and writes it to privatePath and
// publicPath. Regeneration invalidates every item accepted under the
// old public key, so an existing pair is only overwritten when force
// is set.
func Generate(privatePath, publicPath string, force bool) (*Manager, error) {
	if !force {
		if _, err := os.Stat(privatePath); err == nil {
			return nil, ErrKeyExists
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(privatePath, privatePEM, 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}

	m := &Manager{private: key}
	publicPEM, err := m.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(publicPath, publicPEM, 0644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	return m, nil
}

// PublicKeyPEM returns the public half, used once during onboarding to
// register the agent with the central service.
func (m *Manager) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&m.private.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// DecryptSymmetricKey unwraps one base64 RSA-OAEP(SHA-256) ciphertext.
// The envelope wraps the AES key, the IV and the GCM tag separately,
// so the decryption pipeline calls this three times per item.
func (m *Manager) DecryptSymmetricKey(encoded string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, m.private, ciphertext, nil)
	if err != nil {
		return nil, ErrKeyMismatch
	}
	return plaintext, nil
}
