// Package config handles configuration loading, validation, and persistence
// for seerlink.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir    = "config"
	DefaultConfigFile   = "config.json"
	DefaultAPIPort      = 5080
	DefaultServer       = 32
	DefaultGameHost     = "210.68.8.39"
	DefaultDiscoveryURL = "http://seer.61.com.tw/config/ip.txt"
)

// Config is the root configuration structure for seerlink.
type Config struct {
	mu   sync.RWMutex
	path string

	Account         Account         `json:"account"`
	Network         Network         `json:"network"`
	ApplicationData ApplicationData `json:"application_data"`
}

// Account holds the game credentials.
type Account struct {
	UserID uint32 `json:"user_id"`

	// Password is stored base64 encoded. Use PlainPassword / SetPassword.
	Password     string `json:"password"`
	SavePassword bool   `json:"save_password"`

	// Server is the 1-40 selector shown to players.
	Server int `json:"server"`
}

// Network holds endpoints and protocol timings.
type Network struct {
	LoginDiscoveryURL  string `json:"login_discovery_url"`
	GameHost           string `json:"game_host"`
	DialTimeoutSec     int    `json:"dial_timeout_sec"`
	ReplyTimeoutSec    int    `json:"reply_timeout_sec"`
	ReconnectDelaySec  int    `json:"reconnect_delay_sec"`
	CaptchaDir         string `json:"captcha_dir"`
	CaptchaMode        string `json:"captcha_mode"` // "console" or "api"
	MaxCaptchaAttempts int    `json:"max_captcha_attempts"`
	CommandNamesFile   string `json:"command_names_file"`
}

// ApplicationData contains ambient service configuration.
type ApplicationData struct {
	Logging LoggingConfig `json:"logging"`
	MQTT    MQTTConfig    `json:"mqtt"`
	API     APIConfig     `json:"api"`
	Journal JournalConfig `json:"journal"`
	Scripts ScriptsConfig `json:"scripts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	CAFile    string `json:"ca_file"`
	ClientID  string `json:"client_id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// APIConfig holds the local control API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Listen         string   `json:"listen"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// JournalConfig holds the packet journal settings.
type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// ScriptsConfig holds command script settings.
type ScriptsConfig struct {
	Directory string   `json:"directory"`
	Daily     []string `json:"daily"`
	RunAt     string   `json:"run_at"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Account: Account{
			Server:       DefaultServer,
			SavePassword: true,
		},
		Network: Network{
			LoginDiscoveryURL:  DefaultDiscoveryURL,
			GameHost:           DefaultGameHost,
			DialTimeoutSec:     10,
			ReplyTimeoutSec:    5,
			ReconnectDelaySec:  30,
			CaptchaDir:         ".",
			CaptchaMode:        "console",
			MaxCaptchaAttempts: 5,
		},
		ApplicationData: ApplicationData{
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
			MQTT: MQTTConfig{
				Enabled:   false,
				BrokerURL: "localhost",
				Port:      1883,
			},
			API: APIConfig{
				Enabled:      true,
				Listen:       "127.0.0.1",
				Port:         DefaultAPIPort,
				RateLimitRPS: 50,
			},
			Journal: JournalConfig{
				Enabled:       true,
				Path:          filepath.Join("data", "journal.db"),
				RetentionDays: 7,
			},
			Scripts: ScriptsConfig{
				Directory: "scripts",
				RunAt:     "04:30",
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json picks up fields added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk. The password is omitted
// unless save_password is set.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	snapshot := struct {
		Account         Account         `json:"account"`
		Network         Network         `json:"network"`
		ApplicationData ApplicationData `json:"application_data"`
	}{c.Account, c.Network, c.ApplicationData}
	if !snapshot.Account.SavePassword {
		snapshot.Account.Password = ""
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// PlainPassword decodes the stored password.
func (a Account) PlainPassword() (string, error) {
	if a.Password == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(a.Password)
	if err != nil {
		return "", fmt.Errorf("stored password is not valid base64: %w", err)
	}
	return string(raw), nil
}

// SetPassword stores password in its encoded form.
func (a *Account) SetPassword(password string) {
	a.Password = base64.StdEncoding.EncodeToString([]byte(password))
}

// GetAccount returns a copy of the account configuration.
func (c *Config) GetAccount() Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Account
}

// SetAccount updates the account configuration.
func (c *Config) SetAccount(a Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Account = a
}

// GetNetwork returns a copy of the network configuration.
func (c *Config) GetNetwork() Network {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// SetNetwork updates the network configuration.
func (c *Config) SetNetwork(n Network) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Network = n
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateField sets one field addressed as "section.key", for example
// "account.server" or "network.reply_timeout_sec". Nested application data
// uses three parts: "application_data.mqtt.enabled".
func (c *Config) UpdateField(path string, value interface{}) error {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return fmt.Errorf("field path %q must be section.key", path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var target interface{}
	switch parts[0] {
	case "account":
		if parts[1] == "password" {
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("password must be a string")
			}
			c.Account.SetPassword(s)
			return nil
		}
		target = &c.Account
	case "network":
		target = &c.Network
	case "application_data":
		target = &c.ApplicationData
	default:
		return fmt.Errorf("unknown config section %q", parts[0])
	}

	if err := setJSONField(target, parts[1:], value); err != nil {
		return fmt.Errorf("failed to update field %s: %w", path, err)
	}
	return nil
}

// setJSONField round-trips target through a generic map to set the field
// addressed by keys.
func setJSONField(target interface{}, keys []string, value interface{}) error {
	data, err := json.Marshal(target)
	if err != nil {
		return err
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	cur := m
	for i, k := range keys {
		if _, ok := cur[k]; !ok {
			return fmt.Errorf("unknown key %q", k)
		}
		if i == len(keys)-1 {
			cur[k] = value
			break
		}
		next, ok := cur[k].(map[string]interface{})
		if !ok {
			return fmt.Errorf("key %q is not a section", k)
		}
		cur = next
	}

	updated, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(updated, target)
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Account.UserID == 0 || c.Account.Password == ""
}
