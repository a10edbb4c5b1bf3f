package imcore

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/imcore/crypto"
	"github.com/sirupsen/logrus"
)

// GlobalConfig is process-wide, read-mostly configuration shared by every
// session.
type GlobalConfig struct {
	// Servers is the default server list.
	Servers []Server
	// ServerPublicKey is the default server key-exchange key.
	ServerPublicKey [crypto.ECDHKeySize]byte
	// MaxJitter bounds the random delay added between reconnect attempts.
	MaxJitter time.Duration
}

// globalState is one installed configuration. It is replaced as a whole by
// InitGlobalConfig and never mutated in place, except for the jitter source.
type globalState struct {
	cfg GlobalConfig

	mu  sync.Mutex
	rng *rand.Rand
}

var global atomic.Pointer[globalState]

func init() {
	InitGlobalConfig(GlobalConfig{MaxJitter: time.Second})
}

// InitGlobalConfig installs cfg as the process-wide configuration. It is
// meant to be called once at startup, before sessions are created.
func InitGlobalConfig(cfg GlobalConfig) {
	cfg.Servers = append([]Server(nil), cfg.Servers...)
	global.Store(&globalState{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	})

	logrus.WithFields(logrus.Fields{
		"function":   "InitGlobalConfig",
		"servers":    len(cfg.Servers),
		"max_jitter": cfg.MaxJitter,
	}).Debug("Installed global configuration")
}

// Global returns a copy of the process-wide configuration.
func Global() GlobalConfig {
	cfg := global.Load().cfg
	cfg.Servers = append([]Server(nil), cfg.Servers...)
	return cfg
}

// Jitter returns a random duration in [0, MaxJitter) of the process-wide
// configuration.
func Jitter() time.Duration {
	g := global.Load()
	if g.cfg.MaxJitter <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Duration(g.rng.Int64N(int64(g.cfg.MaxJitter)))
}
