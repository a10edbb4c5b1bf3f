package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevLevel, prevFormatter := logrus.StandardLogger().Out, logrus.GetLevel(), logrus.StandardLogger().Formatter
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	t.Cleanup(func() {
		logrus.SetOutput(prevOut)
		logrus.SetLevel(prevLevel)
		logrus.SetFormatter(prevFormatter)
	})
	return &buf
}

func TestLoggerHelperFields(t *testing.T) {
	buf := captureLogs(t)

	NewLogger("KeyStore.Publish").
		WithField("regime", RegimeSession.String()).
		WithError(errors.New("boom"), "keygen", "generate").
		Warn("something failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "KeyStore.Publish", entry["function"])
	assert.Equal(t, "crypto", entry["package"])
	assert.Equal(t, "session", entry["regime"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "keygen", entry["error_type"])
	assert.Equal(t, "generate", entry["operation"])
	assert.Equal(t, "warning", entry["level"])
}

func TestSecureFieldHashNeverLogsFullKey(t *testing.T) {
	key := StaticKey
	fields := SecureFieldHash(key[:], "session_key")
	assert.Equal(t, "4d29571c...", fields["session_key_preview"])
	assert.Equal(t, TEAKeySize, fields["session_key_size"])

	short := SecureFieldHash([]byte{0xAB}, "d2")
	assert.Equal(t, "ab", short["d2_preview"])

	empty := SecureFieldHash(nil, "tgt")
	assert.Equal(t, "nil", empty["tgt_preview"])
	assert.Equal(t, 0, empty["tgt_size"])
}
