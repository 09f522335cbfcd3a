package types

// TransferRole is which side of a transfer the local client plays.
type TransferRole string

const (
	RoleSender   TransferRole = "sender"
	RoleReceiver TransferRole = "receiver"
)

// TransferState is a negotiation state.
type TransferState string

const (
	StateIdle           TransferState = "idle"
	StateOffering       TransferState = "offering"
	StateAwaitingAnswer TransferState = "awaiting_answer"
	StateConnecting     TransferState = "connecting"
	StateOpen           TransferState = "open"
	StateClosed         TransferState = "closed"
	StateDeclined       TransferState = "declined"
	StateFailed         TransferState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TransferState) Terminal() bool {
	return s == StateClosed || s == StateDeclined || s == StateFailed
}

// SignalKind tags a signaling relay message.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalDecline   SignalKind = "decline"
)

// Description is an opaque connection description produced by a
// connector (certificate fingerprint plus transport parameters).
type Description struct {
	Fingerprint []byte `json:"fingerprint"`
	Params      []byte `json:"params,omitempty"`
}

// Candidate is one network address at which a peer may be reachable.
type Candidate struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

// Signal is a signaling message exchanged through the relay. The relay
// does not interpret its contents.
type Signal struct {
	TransferID  TransferID   `json:"transfer_id"`
	From        Identity     `json:"from"`
	To          Identity     `json:"to"`
	Kind        SignalKind   `json:"kind"`
	Description *Description `json:"description,omitempty"`
	Candidate   *Candidate   `json:"candidate,omitempty"`
	Meta        *FileMeta    `json:"meta,omitempty"`
}

// TransferRecord is a snapshot of one in-flight transfer.
type TransferRecord struct {
	ID              TransferID    `json:"id"`
	Role            TransferRole  `json:"role"`
	Peer            Identity      `json:"peer"`
	State           TransferState `json:"state"`
	Meta            FileMeta      `json:"meta"`
	SentBytes       int64         `json:"sent_bytes,omitempty"`
	ReceivedBytes   int64         `json:"received_bytes,omitempty"`
	IntegrityDigest string        `json:"integrity_digest,omitempty"`
}

// Progress is reported after every chunk or upload write.
type Progress struct {
	TransferID TransferID
	Done       int64
	Total      int64
}

// ProgressFunc receives progress updates. It must not block.
type ProgressFunc func(Progress)
