package commands

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/opd-ai/imcore"
	"github.com/opd-ai/imcore/crypto"
	"github.com/opd-ai/imcore/interfaces"
	"github.com/opd-ai/imcore/login"
	"github.com/sirupsen/logrus"
)

// parseServer parses a host:port server address.
func parseServer(addr string) (imcore.Server, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return imcore.Server{}, fmt.Errorf("server %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return imcore.Server{}, fmt.Errorf("server %q: invalid port", addr)
	}
	return imcore.Server{Host: host, Port: uint16(port)}, nil
}

// parseServerKey decodes a hex server public key.
func parseServerKey(s string) ([crypto.ECDHKeySize]byte, error) {
	var key [crypto.ECDHKeySize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("server key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("server key: want %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// loadDevice reads the device fingerprint from path, creating and saving a
// random one when the file does not exist yet. A stable fingerprint avoids
// repeated device verification.
func loadDevice(path string) (login.Device, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var d login.Device
		if err := json.Unmarshal(data, &d); err != nil {
			return login.Device{}, fmt.Errorf("device file %s: %w", path, err)
		}
		return d, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return login.Device{}, err
	}

	d, err := login.NewRandomDevice()
	if err != nil {
		return login.Device{}, err
	}
	data, err = json.MarshalIndent(d, "", "  ")
	if err != nil {
		return login.Device{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return login.Device{}, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return login.Device{}, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "loadDevice",
		"path":     path,
	}).Info("Generated new device fingerprint")
	return d, nil
}

// printEvents writes session events to out until the subscription stops.
func printEvents(bus interfaces.IEventBus, out io.Writer) interfaces.ISubscription {
	return interfaces.SubscribeAlways(bus, interfaces.SubscribeOptions{
		Priority: interfaces.PriorityMonitor,
		Mode:     interfaces.ConcurrencyLocked,
	}, func(event any) {
		switch e := event.(type) {
		case imcore.SessionOnline:
			fmt.Fprintf(out, "online: account %d (%s)\n", e.Account, e.Nick)
		case imcore.SessionOffline:
			fmt.Fprintf(out, "offline: %s: %v\n", e.Kind, e.Cause)
		case imcore.Reconnected:
			fmt.Fprintf(out, "reconnected to %s\n", e.Server)
		case imcore.PacketReceived:
			fmt.Fprintf(out, "push %s (%d bytes)\n", e.Packet.CommandName, len(e.Packet.Body))
		}
	})
}

// runSession logs in and keeps the session alive until ctx ends.
func runSession(ctx context.Context, session *imcore.Session, out io.Writer) error {
	sub := printEvents(session.Bus(), out)
	defer sub.Stop()

	if err := session.Login(ctx); err != nil {
		session.Close()
		return err
	}
	<-ctx.Done()
	return session.Close()
}
