package domain

import (
	interfaces "sealchat/internal/domain/interfaces"
	types "sealchat/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	Identity           = types.Identity
	Fingerprint        = types.Fingerprint
	RoomID             = types.RoomID
	TransferID         = types.TransferID
	FileID             = types.FileID
	X25519Public       = types.X25519Public
	X25519Private      = types.X25519Private
	PublicKey          = types.PublicKey
	UnlockedPrivateKey = types.UnlockedPrivateKey
	WrappedPrivateKey  = types.WrappedPrivateKey
	Envelope           = types.Envelope
	DeliverRequest     = types.DeliverRequest
	InboundMessage     = types.InboundMessage
	DecryptedMessage   = types.DecryptedMessage
	FileMeta           = types.FileMeta
	FilePointer        = types.FilePointer
	UploadRequest      = types.UploadRequest
	StoredFile         = types.StoredFile
	TransferRole       = types.TransferRole
	TransferState      = types.TransferState
	SignalKind         = types.SignalKind
	Description        = types.Description
	Candidate          = types.Candidate
	Signal             = types.Signal
	TransferRecord     = types.TransferRecord
	Progress           = types.Progress
	ProgressFunc       = types.ProgressFunc
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	Deliverer        = interfaces.Deliverer
	KeyDirectory     = interfaces.KeyDirectory
	MembershipSource = interfaces.MembershipSource
	SignalingRelay   = interfaces.SignalingRelay
	SignalSource     = interfaces.SignalSource
	MessageSource    = interfaces.MessageSource
	StorageRelay     = interfaces.StorageRelay
	WrappedKeyStore  = interfaces.WrappedKeyStore
	MembershipCache  = interfaces.MembershipCache
	Channel          = interfaces.Channel
	Link             = interfaces.Link
	Connector        = interfaces.Connector
	KeyService       = interfaces.KeyService
	AudienceResolver = interfaces.AudienceResolver
	MessageService   = interfaces.MessageService
)

// Re-exported constants.
const (
	RoleSender   = types.RoleSender
	RoleReceiver = types.RoleReceiver

	StateIdle           = types.StateIdle
	StateOffering       = types.StateOffering
	StateAwaitingAnswer = types.StateAwaitingAnswer
	StateConnecting     = types.StateConnecting
	StateOpen           = types.StateOpen
	StateClosed         = types.StateClosed
	StateDeclined       = types.StateDeclined
	StateFailed         = types.StateFailed

	SignalOffer     = types.SignalOffer
	SignalAnswer    = types.SignalAnswer
	SignalCandidate = types.SignalCandidate
	SignalDecline   = types.SignalDecline

	WrapFormatAEAD         = types.WrapFormatAEAD
	WrapFormatLegacyStream = types.WrapFormatLegacyStream
	KDFPBKDF2SHA256        = types.KDFPBKDF2SHA256
)
