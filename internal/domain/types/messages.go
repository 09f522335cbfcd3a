package types

// Envelope is the wire-format hybrid-encrypted payload.
//
// Exactly one of WrappedKey (single recipient) or WrappedKeys (fan-out) is
// set. Byte slices are base64 in JSON.
type Envelope struct {
	Version     int                 `json:"version"`
	Algorithm   string              `json:"algorithm"`
	IV          []byte              `json:"iv"`
	Ciphertext  []byte              `json:"ciphertext"`
	WrappedKey  []byte              `json:"wrapped_key,omitempty"`
	WrappedKeys map[Identity][]byte `json:"wrapped_keys,omitempty"`
}

// IsFanOut reports whether the envelope carries per-recipient key material.
func (e Envelope) IsFanOut() bool { return e.WrappedKeys != nil }

// Recipients lists the identities present in a fan-out envelope.
func (e Envelope) Recipients() []Identity {
	out := make([]Identity, 0, len(e.WrappedKeys))
	for id := range e.WrappedKeys {
		out = append(out, id)
	}
	return out
}

// DeliverRequest is what the core hands to the messaging relay.
//
// Plaintext is only set for 1:1 messages sent in plaintext-compatibility
// mode, in which case Envelope is nil.
type DeliverRequest struct {
	From      Identity   `json:"from"`
	To        []Identity `json:"to"`
	Room      RoomID     `json:"room,omitempty"`
	Envelope  *Envelope  `json:"envelope,omitempty"`
	Plaintext []byte     `json:"plaintext,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// InboundMessage is an encrypted (or compatibility plaintext) message as
// received from the relay.
type InboundMessage struct {
	From      Identity  `json:"from"`
	Room      RoomID    `json:"room,omitempty"`
	Envelope  *Envelope `json:"envelope,omitempty"`
	Plaintext []byte    `json:"plaintext,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// DecryptedMessage is what the message service returns to callers.
type DecryptedMessage struct {
	From      Identity `json:"from"`
	Room      RoomID   `json:"room,omitempty"`
	Plaintext []byte   `json:"plaintext"`
	Encrypted bool     `json:"encrypted"`
	Timestamp int64    `json:"timestamp"`
}
