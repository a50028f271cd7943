package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("KEEP_ALIVE_INTERVAL", "")
	t.Setenv("MAX_MISSED_ACKS", "")

	LoadConfig()
	require.Equal(t, "8002", AppConfig.Port)
	require.Equal(t, 15*time.Second, AppConfig.KeepAliveInterval)
	require.Equal(t, 3, AppConfig.MaxMissedAcks)
	require.Equal(t, "*", AppConfig.CORSAllowedOrigins)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("KEEP_ALIVE_INTERVAL", "20s")
	t.Setenv("ACK_TIMEOUT", "2s")
	t.Setenv("MAX_MISSED_ACKS", "5")
	t.Setenv("GLASSES_GRACE_WINDOW", "90s")

	LoadConfig()
	require.Equal(t, "9000", AppConfig.Port)
	require.Equal(t, 20*time.Second, AppConfig.KeepAliveInterval)
	require.Equal(t, 2*time.Second, AppConfig.AckTimeout)
	require.Equal(t, 5, AppConfig.MaxMissedAcks)
	require.Equal(t, 90*time.Second, AppConfig.GlassesGraceWindow)
}

func TestLoadConfigInvalidValuesFallBack(t *testing.T) {
	t.Setenv("KEEP_ALIVE_INTERVAL", "soon")
	t.Setenv("MAX_MISSED_ACKS", "three")

	LoadConfig()
	require.Equal(t, 15*time.Second, AppConfig.KeepAliveInterval)
	require.Equal(t, 3, AppConfig.MaxMissedAcks)
}

func TestValidate(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
}

func TestValidateAckTimeoutTooLong(t *testing.T) {
	c := Default()
	c.AckTimeout = c.KeepAliveInterval
	require.Error(t, c.Validate())
}

func TestValidateNonPositiveIntervals(t *testing.T) {
	c := Default()
	c.KeepAliveInterval = 0
	require.Error(t, c.Validate())

	c = Default()
	c.AckTimeout = -time.Second
	require.Error(t, c.Validate())
}

func TestValidateMissedAcksAndOutputs(t *testing.T) {
	c := Default()
	c.MaxMissedAcks = 0
	require.Error(t, c.Validate())

	c = Default()
	c.MaxOutputsPerQuota = 0
	require.Error(t, c.Validate())
}
