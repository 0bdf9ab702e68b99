// Package script runs YAML command scripts against the game connection.
//
// A script is an ordered list of steps. Each step sends one hex packet and
// may wait for a reply command, resending when the reply does not arrive:
//
//	name: daily
//	steps:
//	  - name: sign in
//	    send: "00 00 00 11 31 00 00 AA BA 00 00 00 00 00 00 00 00"
//	    await: 43706
//	    timeout: 3s
//	    retries: 2
//	  - sleep: 500ms
package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seerlink-project/seerlink/internal/protocol"
)

// Extension is the file suffix of script files.
const Extension = ".yaml"

var (
	// ErrScriptNotFound is returned for names with no matching file.
	ErrScriptNotFound = errors.New("script not found")
	// ErrInvalidName is returned for names that would escape the script directory.
	ErrInvalidName = errors.New("invalid script name")
)

// Step is one action of a script.
type Step struct {
	Name    string        `yaml:"name"`
	Send    string        `yaml:"send"`
	Await   uint32        `yaml:"await"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Sleep   time.Duration `yaml:"sleep"`
}

// Script is a parsed script file.
type Script struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`
}

// Parse decodes and validates a script.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads and parses the script at path. A missing name defaults to the
// file name.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, path)
		}
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), Extension)
	}
	return s, nil
}

// Validate checks every step.
func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("script has no steps")
	}

	for i, step := range s.Steps {
		if step.Send == "" && step.Sleep <= 0 {
			return fmt.Errorf("step %d: needs send or sleep", i+1)
		}
		if step.Send == "" && step.Await != 0 {
			return fmt.Errorf("step %d: await without send", i+1)
		}
		if step.Retries < 0 || step.Timeout < 0 || step.Sleep < 0 {
			return fmt.Errorf("step %d: negative retries, timeout or sleep", i+1)
		}
		if step.Send != "" {
			raw, err := protocol.DecodeHex(step.Send)
			if err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
			if len(raw) < protocol.HeaderSize {
				return fmt.Errorf("step %d: packet is %d bytes, shorter than the %d byte header",
					i+1, len(raw), protocol.HeaderSize)
			}
		}
	}
	return nil
}

// Library resolves script names inside a directory.
type Library struct {
	dir string
}

// NewLibrary creates a library rooted at dir.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Dir returns the script directory.
func (l *Library) Dir() string {
	return l.dir
}

// List returns the names of all scripts, sorted.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == Extension {
			names = append(names, strings.TrimSuffix(e.Name(), Extension))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Get loads the named script. The name may carry the .yaml suffix.
func (l *Library) Get(name string) (*Script, error) {
	name = strings.TrimSuffix(name, Extension)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return Load(filepath.Join(l.dir, name+Extension))
}
