// Package config implements the sealchat client configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"sealchat/internal/log"
)

const (
	defaultLogLevel = "NOTICE"

	defaultRelayTimeout = 30

	defaultKeyCacheTTL = 600
	defaultIterations  = 310_000

	defaultMembershipTimeout = 3000
	defaultFetchConcurrency  = 8
	defaultMembershipCache   = "members.db"

	defaultChunkSize        = 16 * 1024
	defaultHighWaterMark    = 1024 * 1024
	minHighWaterMark        = 1024
	defaultDrainPoll        = 10
	defaultHandshakeTimeout = 30
	defaultTransferTimeout  = 600
	defaultTeardownGrace    = 500

	defaultListenAddr = "0.0.0.0:0"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stderr will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Account identifies the local user.
type Account struct {
	// Identity is the local user's relay identity.
	Identity string
}

// Relay is the relay server configuration.
type Relay struct {
	// URL is the relay base URL, e.g. http://127.0.0.1:8080. The special
	// value "memory:" selects the in-process loopback relay.
	URL string

	// TimeoutSec bounds every HTTP round trip.
	TimeoutSec int
}

func (r *Relay) validate() error {
	if r.URL == "" {
		return errors.New("config: Relay: URL is not set")
	}
	if r.URL != MemoryRelay {
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("config: Relay: URL '%v' is invalid: %v", r.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: Relay: URL scheme '%v' is not supported", u.Scheme)
		}
	}
	if r.TimeoutSec <= 0 {
		r.TimeoutSec = defaultRelayTimeout
	}
	return nil
}

// MemoryRelay selects the in-process relay.
const MemoryRelay = "memory:"

// Keys is the key store configuration.
type Keys struct {
	// CacheTTLSec is how long a fetched public key is trusted.
	CacheTTLSec int

	// SessionTTLSec locks the private key after this much idle time.
	// Zero keeps the key unlocked for the life of the process.
	SessionTTLSec int

	// Iterations is the PBKDF2 round count for newly wrapped keys.
	Iterations int
}

func (k *Keys) fixup() {
	if k.CacheTTLSec <= 0 {
		k.CacheTTLSec = defaultKeyCacheTTL
	}
	if k.Iterations <= 0 {
		k.Iterations = defaultIterations
	}
	if k.SessionTTLSec < 0 {
		k.SessionTTLSec = 0
	}
}

// Audience is the room audience resolver configuration.
type Audience struct {
	// MembershipTimeoutMs bounds the live membership round trip.
	MembershipTimeoutMs int

	// FetchConcurrency bounds parallel public key fetches.
	FetchConcurrency int

	// CacheFile is the bbolt membership snapshot, relative to the home
	// directory unless absolute.
	CacheFile string
}

func (a *Audience) fixup() {
	if a.MembershipTimeoutMs <= 0 {
		a.MembershipTimeoutMs = defaultMembershipTimeout
	}
	if a.FetchConcurrency <= 0 {
		a.FetchConcurrency = defaultFetchConcurrency
	}
	if a.CacheFile == "" {
		a.CacheFile = defaultMembershipCache
	}
}

// Transfer is the file transfer configuration.
type Transfer struct {
	// ChunkSize is the size of every chunk but the last.
	ChunkSize int

	// HighWaterMark is the buffered byte limit the sender never exceeds.
	HighWaterMark int

	// DrainPollMs is the initial flow-control backoff.
	DrainPollMs int

	// HandshakeTimeoutSec bounds offer sent until channel open.
	HandshakeTimeoutSec int

	// TransferTimeoutSec bounds the whole transfer including the ack.
	TransferTimeoutSec int

	// TeardownGraceMs delays channel close after completion.
	TeardownGraceMs int

	// DisableFallback turns off the relay fallback path.
	DisableFallback bool
}

func (t *Transfer) validate() error {
	if t.ChunkSize <= 0 {
		t.ChunkSize = defaultChunkSize
	}
	if t.HighWaterMark <= 0 {
		t.HighWaterMark = defaultHighWaterMark
	}
	if t.HighWaterMark < minHighWaterMark {
		return fmt.Errorf("config: Transfer: HighWaterMark %d is below %d", t.HighWaterMark, minHighWaterMark)
	}
	if t.ChunkSize > t.HighWaterMark {
		return fmt.Errorf("config: Transfer: ChunkSize %d exceeds HighWaterMark %d", t.ChunkSize, t.HighWaterMark)
	}
	if t.DrainPollMs <= 0 {
		t.DrainPollMs = defaultDrainPoll
	}
	if t.HandshakeTimeoutSec <= 0 {
		t.HandshakeTimeoutSec = defaultHandshakeTimeout
	}
	if t.TransferTimeoutSec <= 0 {
		t.TransferTimeoutSec = defaultTransferTimeout
	}
	if t.TransferTimeoutSec < t.HandshakeTimeoutSec {
		return errors.New("config: Transfer: TransferTimeoutSec must not be shorter than HandshakeTimeoutSec")
	}
	if t.TeardownGraceMs < 0 {
		t.TeardownGraceMs = 0
	} else if t.TeardownGraceMs == 0 {
		t.TeardownGraceMs = defaultTeardownGrace
	}
	return nil
}

// Direct is the QUIC direct channel configuration.
type Direct struct {
	// Disable turns off direct transfers; every file goes via the relay.
	Disable bool

	// ListenAddr is the UDP address offers listen on.
	ListenAddr string

	// AdvertiseAddrs overrides the candidates sent to peers, for hosts
	// behind a static port mapping.
	AdvertiseAddrs []string
}

func (d *Direct) validate() error {
	if d.ListenAddr == "" {
		d.ListenAddr = defaultListenAddr
	}
	if _, _, err := net.SplitHostPort(d.ListenAddr); err != nil {
		return fmt.Errorf("config: Direct: ListenAddr '%v' is invalid: %v", d.ListenAddr, err)
	}
	for _, a := range d.AdvertiseAddrs {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("config: Direct: AdvertiseAddrs entry '%v' is invalid: %v", a, err)
		}
	}
	return nil
}

// Policy holds security policy switches.
type Policy struct {
	// AllowPlaintextDirect permits 1:1 messages to peers without a
	// published key to be sent in plaintext. Rooms never degrade.
	AllowPlaintextDirect bool
}

// Metrics is the Prometheus listener configuration.
type Metrics struct {
	// Address is where /metrics is served. Empty disables the listener.
	Address string
}

// Config is the top level sealchat configuration.
type Config struct {
	Logging  *Logging
	Account  *Account
	Relay    *Relay
	Keys     *Keys
	Audience *Audience
	Transfer *Transfer
	Direct   *Direct
	Policy   *Policy
	Metrics  *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Account == nil || c.Account.Identity == "" {
		return errors.New("config: Account: Identity is not set")
	}
	if c.Relay == nil {
		return errors.New("config: No Relay block was present")
	}
	if err := c.Relay.validate(); err != nil {
		return err
	}
	if c.Keys == nil {
		c.Keys = &Keys{}
	}
	c.Keys.fixup()
	if c.Audience == nil {
		c.Audience = &Audience{}
	}
	c.Audience.fixup()
	if c.Transfer == nil {
		c.Transfer = &Transfer{}
	}
	if err := c.Transfer.validate(); err != nil {
		return err
	}
	if c.Direct == nil {
		c.Direct = &Direct{}
	}
	if err := c.Direct.validate(); err != nil {
		return err
	}
	if c.Direct.Disable && c.Transfer.DisableFallback {
		return errors.New("config: Direct.Disable and Transfer.DisableFallback leave no file route")
	}
	if c.Policy == nil {
		c.Policy = &Policy{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	return nil
}

// InitLogBackend returns a log backend based on the configuration.
func (c *Config) InitLogBackend() (*log.Backend, error) {
	f := c.Logging.File
	if !c.Logging.Disable && f != "" && !filepath.IsAbs(f) {
		return nil, errors.New("config: log file path must be absolute path")
	}
	return log.New(f, c.Logging.Level, c.Logging.Disable)
}

// MembershipCachePath resolves Audience.CacheFile against home.
func (c *Config) MembershipCachePath(home string) string {
	if filepath.IsAbs(c.Audience.CacheFile) {
		return c.Audience.CacheFile
	}
	return filepath.Join(home, c.Audience.CacheFile)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Sec converts a seconds field to a duration.
func Sec(n int) time.Duration { return time.Duration(n) * time.Second }

// Ms converts a milliseconds field to a duration.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
