package models

type ItemState string

const (
	// StateEncrypted: persisted on receipt, not yet decrypted and forwarded.
	StateEncrypted ItemState = "ENCRYPTED"
	// StateUndelivered: at least one decrypt or forward attempt failed.
	StateUndelivered ItemState = "UNDELIVERED"
	// StateDelivered: the destination accepted the plaintext. Final.
	StateDelivered ItemState = "DELIVERED"
)

// EncryptedItem is one webhook occurrence as pushed by the central
// service. Content holds the base64 AES-256-GCM ciphertext; AES, IV
// and Tag are each base64 RSA-OAEP ciphertexts under the agent's
// public key. The id is assigned by the central service and is stable
// across reconnects, which makes it the dedup key.
type EncryptedItem struct {
	ID         string    `json:"id"`
	RouteID    string    `json:"route_id"`
	Content    string    `json:"content"`
	AES        string    `json:"aes"`
	IV         string    `json:"iv"`
	Tag        string    `json:"tag"`
	State      ItemState `json:"state,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	ReceivedAt int64     `json:"received_at,omitempty"`
}

// Route maps a stable route id to a destination on the private network.
type Route struct {
	ID             string `json:"id"`
	DestinationURL string `json:"destination_url"`
	Description    string `json:"description"`
	CreatedAt      int64  `json:"created_at"`
	LastUsedAt     int64  `json:"last_used_at,omitempty"`
}

// Message is the decrypted payload: the original request as the
// central service captured it. Body round-trips through base64 in
// JSON. It only ever lives in memory.
type Message struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Params  [][2]string       `json:"params"`
	Body    []byte            `json:"body"`
}
