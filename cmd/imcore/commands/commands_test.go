package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServer(t *testing.T) {
	server, err := parseServer("msf.example.com:8080")
	require.NoError(t, err)
	assert.Equal(t, "msf.example.com", server.Host)
	assert.Equal(t, uint16(8080), server.Port)

	for _, bad := range []string{"msf.example.com", "host:0", "host:70000", "host:http"} {
		_, err := parseServer(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseServerKey(t *testing.T) {
	key, err := parseServerKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), key[31])

	_, err = parseServerKey("abcd")
	assert.ErrorContains(t, err, "want 32 bytes")
	_, err = parseServerKey("zz")
	assert.Error(t, err)
}

func TestLoadDeviceIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "device.json")
	first, err := loadDevice(path)
	require.NoError(t, err)
	second, err := loadDevice(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first.IMEI)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDemoCommandGoesOnline(t *testing.T) {
	var out syncBuffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"demo", "--duration", "400ms", "--push-interval", "20ms", "--drop-after", "0", "--log-level", "error"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "online: account 10001 (simulated)")
	assert.Contains(t, out.String(), "push MessageSvc.PushNotify")
}
