package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/protocol"
)

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	// The generated file parses back to the same values
	_, err = os.Stat(path)
	require.NoError(t, err)
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
tcp_port = 7001
codec = "json"

[protocol]
max_protocol_failures = 9
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.TCPPort)
	assert.Equal(t, protocol.CodecJSON, cfg.Server.Codec)
	assert.Equal(t, 9, cfg.Protocol.MaxProtocolFailures)

	// Untouched keys keep their defaults
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 100, cfg.Protocol.BodyPollRetries)
	assert.Equal(t, int64(ids.DefaultEpoch), cfg.Snowflake.EpochMs)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WIRECHAT_SERVER_TCP_PORT", "7100")
	t.Setenv("WIRECHAT_SERVER_CODEC", " JSON ")
	t.Setenv("WIRECHAT_SERVER_DEBUG_LOG", "true")
	t.Setenv("WIRECHAT_PROTOCOL_BODY_POLL_INTERVAL_MS", "25")
	t.Setenv("WIRECHAT_SNOWFLAKE_MACHINE_ID", "42")
	t.Setenv("WIRECHAT_SNOWFLAKE_PROCESS_ID", "not-a-number")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "server.toml"))
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Server.TCPPort)
	assert.Equal(t, protocol.CodecJSON, cfg.Server.Codec)
	assert.True(t, cfg.Server.DebugLog)
	assert.Equal(t, 25, cfg.Protocol.BodyPollIntervalMs)
	assert.Equal(t, 42, cfg.Snowflake.MachineID)
	assert.Equal(t, 1, cfg.Snowflake.ProcessID, "unparsable values are ignored")
}

func TestToServerConfig(t *testing.T) {
	tc := DefaultTOMLConfig()
	tc.Server.HTTPPort = 0
	tc.Protocol.BodyPollIntervalMs = 20
	tc.Protocol.BodyPollRetries = 0

	cfg := tc.ToServerConfig()
	assert.Equal(t, 6000, cfg.TCPPort)
	assert.Equal(t, 0, cfg.HTTPPort, "0 disables HTTP")
	assert.Equal(t, 20*time.Millisecond, cfg.BodyPollInterval)
	assert.Equal(t, DefaultConfig().BodyPollRetries, cfg.BodyPollRetries, "non-positive values fall back to defaults")
	assert.Equal(t, protocol.CodecBinary, cfg.Codec)
}

func TestConfigNewGenerator(t *testing.T) {
	tc := DefaultTOMLConfig()
	gen, err := tc.NewGenerator()
	require.NoError(t, err)
	sf, err := gen.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), sf.MachineID())

	tc.Snowflake.MachineID = 5000
	_, err = tc.NewGenerator()
	assert.ErrorIs(t, err, ids.ErrMachineIDRange)
}

func TestNewServerRejectsUnknownCodec(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Codec = "xml"
	_, err := NewServer(nil, cfg)
	assert.ErrorIs(t, err, protocol.ErrUnknownCodec)
}
