package raopd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_NilNormalizesToDefaults(t *testing.T) {
	var cfg *Config
	out, err := cfg.normalize()
	require.NoError(t, err)
	want, err := DefaultConfig().normalize()
	require.NoError(t, err)
	assert.Equal(t, want, out)
}

func TestConfig_NormalizeRejectsNonPowerOfTwoCapacity(t *testing.T) {
	cfg := &Config{BufferCapacity: 100}
	_, err := cfg.normalize()
	assert.Error(t, err)
}

func TestConfig_NormalizeRejectsCapacityThatOverflowsUint16(t *testing.T) {
	cfg := &Config{BufferCapacity: 1 << 16}
	_, err := cfg.normalize()
	assert.Error(t, err)
}

func TestConfig_NormalizeDerivesResendHorizon(t *testing.T) {
	cfg := &Config{BufferCapacity: 64}
	out, err := cfg.normalize()
	require.NoError(t, err)
	assert.Equal(t, 32, out.ResendHorizon)
}

func TestConfig_LogLevelParsing(t *testing.T) {
	cases := map[string]LogLevel{
		"debug": LevelDebug,
		"info":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
		"bogus": LevelInfo,
	}
	for raw, want := range cases {
		cfg := &Config{LogLevel: raw}
		assert.Equal(t, want, cfg.logLevel(), "raw=%q", raw)
	}
}
