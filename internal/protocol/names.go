package protocol

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// UnknownCommand is the name reported for ids missing from the table.
const UnknownCommand = "unknown"

// CommandNames maps command ids to human-readable names for logs, the
// journal and the API.
type CommandNames struct {
	mu    sync.RWMutex
	names map[uint32]string
}

type commandNamesFile struct {
	Commands map[uint32]string `yaml:"commands"`
}

// NewCommandNames returns a table holding only the built-in names.
func NewCommandNames() *CommandNames {
	return &CommandNames{
		names: map[uint32]string{
			CmdLogin:       "login",
			CmdEnterServer: "enter_server",
		},
	}
}

// LoadCommandNames reads a YAML file of the form
//
//	commands:
//	  1001: enter_server
//	  2001: map_enter
//
// on top of the built-in names. An empty path returns the built-ins.
func LoadCommandNames(path string) (*CommandNames, error) {
	names := NewCommandNames()
	if path == "" {
		return names, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read command names: %w", err)
	}
	if err := names.Merge(data); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return names, nil
}

// Merge adds the entries of a YAML document to the table.
func (c *CommandNames) Merge(data []byte) error {
	var f commandNamesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, name := range f.Commands {
		c.names[id] = name
	}
	return nil
}

// Lookup returns the name of cmd, or UnknownCommand.
func (c *CommandNames) Lookup(cmd uint32) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.names[cmd]; ok {
		return name
	}
	return UnknownCommand
}

// Len returns the number of known commands.
func (c *CommandNames) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}
