package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultGameHost     = "210.68.8.39"
	DefaultDiscoveryURL = "http://seer.61.com.tw/config/ip.txt"
	DefaultServer       = 32

	maxDiscoveryBody = 4096
)

// ErrUnknownServer is returned for a server selector outside the table.
var ErrUnknownServer = errors.New("unknown server")

// ServerEntry is one row of the game server table.
type ServerEntry struct {
	ID   int `json:"id"`
	Port int `json:"port"`
}

// serverPorts maps the selector shown to players to the game port.
// 1-20 are the 124x/125x block, 21-40 the 122x/123x block.
var serverPorts = func() map[int]int {
	m := make(map[int]int, 40)
	for id := 1; id <= 20; id++ {
		m[id] = 1240 + id
	}
	for id := 21; id <= 40; id++ {
		m[id] = 1200 + id
	}
	return m
}()

// ServerPort returns the game port for a server selector.
func ServerPort(id int) (int, error) {
	port, ok := serverPorts[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownServer, id)
	}
	return port, nil
}

// GameAddr returns host:port for a server selector.
func GameAddr(host string, id int) (string, error) {
	port, err := ServerPort(id)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Servers returns the full table ordered by selector.
func Servers() []ServerEntry {
	out := make([]ServerEntry, 0, len(serverPorts))
	for id, port := range serverPorts {
		out = append(out, ServerEntry{ID: id, Port: port})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolver asks the discovery endpoint for the current login server.
type Resolver struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewResolver creates a resolver for the given discovery URL.
func NewResolver(url string, timeout time.Duration) *Resolver {
	if url == "" {
		url = DefaultDiscoveryURL
	}
	return &Resolver{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: log.With().Str("component", "resolver").Logger(),
	}
}

// LoginAddr fetches the discovery document and returns the first login
// server address.
func (r *Resolver) LoginAddr(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBody))
	if err != nil {
		return "", fmt.Errorf("failed to read discovery response: %w", err)
	}

	addrs, err := ParseDiscovery(string(body))
	if err != nil {
		return "", err
	}

	r.logger.Debug().Strs("addrs", addrs).Msg("login servers discovered")
	return addrs[0], nil
}

// ParseDiscovery parses a "host:port|host:port|..." document. The first
// entry is the login server and must be valid; malformed fallbacks after it
// are skipped.
func ParseDiscovery(body string) ([]string, error) {
	var addrs []string
	for _, entry := range strings.Split(strings.TrimSpace(body), "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		addr, err := parseDiscoveryEntry(entry)
		if err != nil {
			if len(addrs) == 0 {
				return nil, err
			}
			log.Warn().Err(err).Msg("skipping discovery entry")
			continue
		}
		addrs = append(addrs, addr)
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("discovery document is empty")
	}
	return addrs, nil
}

func parseDiscoveryEntry(entry string) (string, error) {
	host, port, err := net.SplitHostPort(entry)
	if err != nil {
		return "", fmt.Errorf("invalid discovery entry %q: %w", entry, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("invalid discovery port in %q", entry)
	}
	return net.JoinHostPort(host, port), nil
}
