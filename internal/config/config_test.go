package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromReader(strings.NewReader(""))
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, time.Duration(cfg.Exchange.CompletionTimeout))
	assert.Equal(t, "ws://localhost:8887/CP_1", cfg.Endpoint())
	assert.Nil(t, cfg.DefaultPayloadJSON())
	assert.NoError(t, cfg.Validate())
}

func TestFromReader(t *testing.T) {
	cfg, err := FromReader(strings.NewReader(`
[ChargePoint]
ID = "CP_42"
CentralSystemURL = "wss://cs.example.com/ocpp/"

[Exchange]
DefaultAction = "Heartbeat"
DefaultPayload = "{}"
CompletionTimeout = "30s"
OutboundCapacity = 256
SettledMemory = 64
`))
	require.NoError(t, err)

	assert.Equal(t, "wss://cs.example.com/ocpp/CP_42", cfg.Endpoint())
	assert.Equal(t, "Heartbeat", cfg.Exchange.DefaultAction)
	assert.JSONEq(t, `{}`, string(cfg.DefaultPayloadJSON()))
	assert.Equal(t, 30*time.Second, time.Duration(cfg.Exchange.CompletionTimeout))
	assert.Equal(t, 256, cfg.Exchange.OutboundCapacity)
	assert.Equal(t, 64, cfg.Exchange.SettledMemory)
	// untouched sections keep their defaults
	assert.Equal(t, 8081, cfg.Control.Port)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OCPPCP_CP_ID", "FROM_ENV")
	t.Setenv("OCPPCP_EXCHANGE_COMPLETION_TIMEOUT", "45s")
	t.Setenv("OCPPCP_LOG_LEVEL", "debug")

	cfg, err := FromReader(strings.NewReader("[ChargePoint]\nID = \"FROM_FILE\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "FROM_ENV", cfg.ChargePoint.ID)
	assert.Equal(t, 45*time.Second, time.Duration(cfg.Exchange.CompletionTimeout))
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte("[Control]\nPort = 9000\n"), 0o600))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Control.Port)

	cfg, err = FromFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Control.Port, cfg.Control.Port)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.ChargePoint.ID = ""
	cfg.ChargePoint.CentralSystemURL = "http://cs"
	cfg.Exchange.DefaultPayload = "{not json"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"charge point id", "ws://", "default payload", "loud"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("2m")))
	assert.Equal(t, 2*time.Minute, time.Duration(d))

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2m0s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
