package models

// Message is one stored chat message as exchanged with clients.
// Content and IV are opaque ciphertext; the server never decrypts them.
type Message struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	IV          string `json:"iv"`
	CreatedAt   int64  `json:"createdAt"`
	ExpiresAt   *int64 `json:"expiresAt,omitempty"`
	Read        bool   `json:"read"`
	Deleted     bool   `json:"deleted"`
}

// Expired reports whether the message carries an expiry before nowMillis.
func (m Message) Expired(nowMillis int64) bool {
	return m.ExpiresAt != nil && *m.ExpiresAt < nowMillis
}
