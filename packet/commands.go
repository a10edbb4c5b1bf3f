package packet

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateCommand indicates a command name registered twice.
var ErrDuplicateCommand = errors.New("command already registered")

// Command pairs a command name with the codec for its payload. Encode turns a
// typed request into a body and Decode turns a reply body into a typed value.
// Either may be nil for one-way commands.
type Command struct {
	Name   string
	Layout Layout
	Encode func(v any) ([]byte, error)
	Decode func(body []byte) (any, error)
}

// CommandTable maps command names to payload codecs. It is safe for
// concurrent use.
type CommandTable struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewCommandTable creates an empty table.
func NewCommandTable() *CommandTable {
	return &CommandTable{commands: make(map[string]Command)}
}

// Register adds cmd. Registering the same name twice fails.
func (t *CommandTable) Register(cmd Command) error {
	if cmd.Name == "" {
		return errors.New("command name is empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.commands[cmd.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, cmd.Name)
	}
	t.commands[cmd.Name] = cmd
	return nil
}

// Lookup returns the command registered under name.
func (t *CommandTable) Lookup(name string) (Command, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmd, ok := t.commands[name]
	return cmd, ok
}

// EncodeBody encodes v with the encoder registered under name.
func (t *CommandTable) EncodeBody(name string, v any) ([]byte, error) {
	cmd, ok := t.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if cmd.Encode == nil {
		return nil, fmt.Errorf("command %s has no encoder", name)
	}
	return cmd.Encode(v)
}

// DecodeBody decodes pkt's body with the decoder registered for its command.
func (t *CommandTable) DecodeBody(pkt *Packet) (any, error) {
	cmd, ok := t.Lookup(pkt.CommandName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, pkt.CommandName)
	}
	if cmd.Decode == nil {
		return pkt.Body, nil
	}
	return cmd.Decode(pkt.Body)
}

// Names returns the registered command names in sorted order.
func (t *CommandTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.commands))
	for name := range t.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
