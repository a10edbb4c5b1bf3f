package imcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func restoreGlobal(t *testing.T) {
	t.Helper()
	prev := global.Load()
	t.Cleanup(func() { global.Store(prev) })
}

func TestInitGlobalConfigCopiesServers(t *testing.T) {
	restoreGlobal(t)
	servers := []Server{{Host: "msf.example", Port: 8080}}
	InitGlobalConfig(GlobalConfig{Servers: servers, MaxJitter: time.Millisecond})

	servers[0].Host = "changed"
	g := Global()
	assert.Equal(t, "msf.example:8080", g.Servers[0].String())
	assert.Equal(t, time.Millisecond, g.MaxJitter)
}

func TestGlobalReturnsIndependentCopy(t *testing.T) {
	restoreGlobal(t)
	InitGlobalConfig(GlobalConfig{Servers: []Server{{Host: "msf.example", Port: 8080}}})

	g := Global()
	g.Servers[0].Host = "changed"
	g.MaxJitter = time.Hour

	again := Global()
	assert.Equal(t, "msf.example", again.Servers[0].Host)
	assert.Zero(t, again.MaxJitter)
}

func TestJitterBounds(t *testing.T) {
	restoreGlobal(t)
	InitGlobalConfig(GlobalConfig{MaxJitter: 20 * time.Millisecond})
	for i := 0; i < 200; i++ {
		d := Jitter()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 20*time.Millisecond)
	}

	InitGlobalConfig(GlobalConfig{})
	assert.Zero(t, Jitter())
}
