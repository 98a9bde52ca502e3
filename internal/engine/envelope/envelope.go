package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"eqagent/internal/platform/keys"
	"eqagent/internal/platform/models"
)

// Open recovers the plaintext request from an item's hybrid envelope:
// the AES key, IV and GCM tag are each unwrapped with the agent's RSA
// key, then the content is opened with AES-GCM. Every failure here is
// permanent for the item; there is nothing a retry timer can fix.
func Open(item *models.EncryptedItem, km *keys.Manager) (*models.Message, error) {
	aesKey, err := km.DecryptSymmetricKey(item.AES)
	if err != nil {
		return nil, fmt.Errorf("unwrap aes key: %w", err)
	}
	iv, err := km.DecryptSymmetricKey(item.IV)
	if err != nil {
		return nil, fmt.Errorf("unwrap iv: %w", err)
	}
	tag, err := km.DecryptSymmetricKey(item.Tag)
	if err != nil {
		return nil, fmt.Errorf("unwrap tag: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(item.Content)
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}

	// The sender transmits the GCM tag separately; Open expects it
	// appended to the ciphertext.
	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}

	var msg models.Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	// The captured Host header belongs to the central service, not the
	// private destination; the forwarder derives Host from the route.
	for k := range msg.Headers {
		if strings.EqualFold(k, "host") {
			delete(msg.Headers, k)
		}
	}

	return &msg, nil
}
