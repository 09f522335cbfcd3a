package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const basicConfig = `
[Account]
  Identity = "alice"

[Relay]
  URL = "http://127.0.0.1:8080"
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load([]byte(basicConfig))
	require.NoError(t, err)

	require.Equal(t, "NOTICE", cfg.Logging.Level)
	require.Equal(t, defaultRelayTimeout, cfg.Relay.TimeoutSec)
	require.Equal(t, defaultChunkSize, cfg.Transfer.ChunkSize)
	require.Equal(t, defaultHighWaterMark, cfg.Transfer.HighWaterMark)
	require.Equal(t, defaultMembershipTimeout, cfg.Audience.MembershipTimeoutMs)
	require.Equal(t, "/home/a/members.db", cfg.MembershipCachePath("/home/a"))
	require.False(t, cfg.Policy.AllowPlaintextDirect)
	require.Empty(t, cfg.Metrics.Address)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load([]byte(basicConfig + `
[Logging]
  Level = "debug"

[Transfer]
  ChunkSize = 1024
  HighWaterMark = 4096
  HandshakeTimeoutSec = 5
  TransferTimeoutSec = 60

[Direct]
  ListenAddr = "127.0.0.1:4433"
  AdvertiseAddrs = ["203.0.113.7:4433"]

[Policy]
  AllowPlaintextDirect = true
`))
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, 1024, cfg.Transfer.ChunkSize)
	require.Equal(t, "127.0.0.1:4433", cfg.Direct.ListenAddr)
	require.True(t, cfg.Policy.AllowPlaintextDirect)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"undecoded key":   basicConfig + "\nBogus = 1\n",
		"missing account": "[Relay]\nURL = \"http://x\"\n",
		"missing relay":   "[Account]\nIdentity = \"a\"\n",
		"bad scheme":      "[Account]\nIdentity = \"a\"\n[Relay]\nURL = \"ftp://x\"\n",
		"chunk over hwm":  basicConfig + "[Transfer]\nChunkSize = 4096\nHighWaterMark = 2048\n",
		"tiny hwm":        basicConfig + "[Transfer]\nChunkSize = 16\nHighWaterMark = 64\n",
		"bad level":       basicConfig + "[Logging]\nLevel = \"LOUD\"\n",
		"bad listen addr": basicConfig + "[Direct]\nListenAddr = \"nope\"\n",
		"no file route":   basicConfig + "[Direct]\nDisable = true\n[Transfer]\nDisableFallback = true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoad_MemoryRelay(t *testing.T) {
	cfg, err := Load([]byte("[Account]\nIdentity = \"a\"\n[Relay]\nURL = \"memory:\"\n"))
	require.NoError(t, err)
	require.Equal(t, MemoryRelay, cfg.Relay.URL)
}
