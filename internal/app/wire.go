package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"

	"sealchat/internal/channel"
	"sealchat/internal/config"
	"sealchat/internal/domain"
	"sealchat/internal/log"
	"sealchat/internal/protocol/negotiation"
	"sealchat/internal/protocol/stream"
	"sealchat/internal/relay"
	"sealchat/internal/services/audience"
	"sealchat/internal/services/fallback"
	"sealchat/internal/services/keystore"
	"sealchat/internal/services/message"
	"sealchat/internal/services/transfer"
	"sealchat/internal/store"
)

// Relay is everything the client needs from the relay server.
type Relay interface {
	domain.Deliverer
	domain.KeyDirectory
	domain.MembershipSource
	domain.MessageSource
	domain.SignalingRelay
	domain.SignalSource
	domain.StorageRelay
	KeyPublisher
}

// KeyPublisher registers the local public key.
type KeyPublisher interface {
	PublishPublicKey(ctx context.Context, id domain.Identity, der []byte) error
}

var (
	_ Relay = (*relay.HTTP)(nil)
	_ Relay = (*relay.Memory)(nil)
)

// Wire bundles all stores, services, and clients for the CLI.
type Wire struct {
	Config *config.Config
	Log    *log.Backend
	Self   domain.Identity

	Relay     Relay
	Keys      *keystore.Service
	Audience  *audience.Service
	Messages  *message.Service
	Fallback  *fallback.Service // nil when disabled
	Transfers *transfer.Manager // nil when direct transfers are disabled
	Sender    *transfer.Sender

	log     *logging.Logger
	members *store.BoltMembershipCache
}

// NewWire constructs the dependency graph from opts and cfg.
func NewWire(opts Config, cfg *config.Config) (*Wire, error) {
	backend, err := cfg.InitLogBackend()
	if err != nil {
		return nil, err
	}
	self := domain.Identity(cfg.Account.Identity)

	// Relay client and direct transport
	rc, conn := opts.Relay, opts.Connector
	if rc == nil {
		if cfg.Relay.URL == config.MemoryRelay {
			rc = relay.NewMemory()
		} else {
			h := relay.NewHTTP(cfg.Relay.URL)
			h.HTTP = &http.Client{Timeout: config.Sec(cfg.Relay.TimeoutSec)}
			rc = h
		}
	}
	if conn == nil {
		if cfg.Relay.URL == config.MemoryRelay {
			conn = channel.NewSwitchboard().Connector()
		} else {
			conn = channel.NewQUIC(channel.QUICOptions{
				ListenAddr: cfg.Direct.ListenAddr,
				Advertise:  cfg.Direct.AdvertiseAddrs,
			}, backend.GetLogger("quic"))
		}
	}

	// File-based stores
	appLog := backend.GetLogger("app")
	var snapshot domain.MembershipCache
	members, err := store.OpenBoltMembershipCache(cfg.MembershipCachePath(opts.Home))
	if err != nil {
		appLog.Warningf("Membership cache unavailable, continuing without it: %v", err)
		members = nil
	} else {
		snapshot = members
	}
	wrapped := store.NewWrappedKeyFileStore(opts.Home)

	// High-level services
	keys := keystore.New(self, wrapped, rc, backend.GetLogger("keystore"), keystore.Options{
		CacheTTL:   config.Sec(cfg.Keys.CacheTTLSec),
		SessionTTL: config.Sec(cfg.Keys.SessionTTLSec),
		Iterations: cfg.Keys.Iterations,
	})
	aud := audience.New(keys, rc, snapshot, backend.GetLogger("audience"), audience.Options{
		MembershipTimeout: config.Ms(cfg.Audience.MembershipTimeoutMs),
		FetchConcurrency:  cfg.Audience.FetchConcurrency,
	})
	msgs := message.New(keys, aud, rc, rc, backend.GetLogger("message"), message.Policy{
		AllowPlaintextDirect: cfg.Policy.AllowPlaintextDirect,
	})

	w := &Wire{
		Config:   cfg,
		Log:      backend,
		Self:     self,
		Relay:    rc,
		Keys:     keys,
		Audience: aud,
		Messages: msgs,
		log:      appLog,
		members:  members,
	}
	if !cfg.Transfer.DisableFallback {
		w.Fallback = fallback.New(keys, aud, rc, msgs, backend.GetLogger("fallback"))
	}
	if !cfg.Direct.Disable {
		w.Transfers = transfer.NewManager(self, conn, rc, backend.GetLogger("transfer"), transferOptions(cfg.Transfer))
	}
	if w.Fallback == nil && w.Transfers == nil {
		w.Close()
		return nil, errors.New("no file route configured")
	}
	w.Sender = transfer.NewSender(w.Transfers, w.Fallback, backend.GetLogger("transfer"))
	return w, nil
}

func transferOptions(t *config.Transfer) transfer.Options {
	return transfer.Options{
		Timeouts: negotiation.Timeouts{
			Handshake: config.Sec(t.HandshakeTimeoutSec),
			Transfer:  config.Sec(t.TransferTimeoutSec),
		},
		Stream: stream.Options{
			ChunkSize:     t.ChunkSize,
			HighWaterMark: t.HighWaterMark,
			DrainPoll:     config.Ms(t.DrainPollMs),
		},
		TeardownGrace: teardownGrace(t.TeardownGraceMs),
	}
}

// teardownGrace maps the validated config value, where zero means none,
// to the manager option, where zero means the default.
func teardownGrace(ms int) time.Duration {
	if ms == 0 {
		return -1
	}
	return config.Ms(ms)
}

// Close stops the transfer manager and releases the stores.
func (w *Wire) Close() {
	if w.Transfers != nil {
		w.Transfers.Close()
	}
	w.Keys.Lock()
	if w.members != nil {
		if err := w.members.Close(); err != nil {
			w.log.Warningf("Closing membership cache: %v", err)
		}
	}
	w.Log.Close()
}
