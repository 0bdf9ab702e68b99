package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateAccount(&cfg.Account, result)
	validateNetwork(&cfg.Network, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateAccount(a *Account, result *ValidationResult) {
	if a.UserID == 0 {
		result.AddError("account.user_id", "user id is required")
	}

	if strings.TrimSpace(a.Password) == "" {
		result.AddError("account.password", "password is required")
	} else if _, err := a.PlainPassword(); err != nil {
		result.AddError("account.password", err.Error())
	}

	if a.Server < 1 || a.Server > 40 {
		result.AddError("account.server", fmt.Sprintf("server %d out of range (1-40)", a.Server))
	}
}

func validateNetwork(n *Network, result *ValidationResult) {
	if u, err := url.Parse(n.LoginDiscoveryURL); err != nil || u.Scheme == "" || u.Host == "" {
		result.AddError("network.login_discovery_url", "discovery URL must be an absolute http(s) URL")
	}

	if strings.TrimSpace(n.GameHost) == "" {
		result.AddError("network.game_host", "game host is required")
	}

	if n.DialTimeoutSec < 1 {
		result.AddError("network.dial_timeout_sec", "dial timeout must be at least 1 second")
	}
	if n.ReplyTimeoutSec < 1 {
		result.AddError("network.reply_timeout_sec", "reply timeout must be at least 1 second")
	} else if n.ReplyTimeoutSec > 60 {
		result.AddWarning("network.reply_timeout_sec",
			fmt.Sprintf("reply timeout of %ds will stall scripts waiting on lost replies", n.ReplyTimeoutSec))
	}

	if n.ReconnectDelaySec < 0 {
		result.AddError("network.reconnect_delay_sec", "reconnect delay cannot be negative")
	} else if n.ReconnectDelaySec > 0 && n.ReconnectDelaySec < 5 {
		result.AddWarning("network.reconnect_delay_sec", "reconnecting faster than every 5s may get the account throttled")
	}

	switch n.CaptchaMode {
	case "console", "api":
	default:
		result.AddError("network.captcha_mode", fmt.Sprintf("unknown captcha mode %q (console or api)", n.CaptchaMode))
	}

	if n.MaxCaptchaAttempts < 0 {
		result.AddError("network.max_captcha_attempts", "must be 0 (unlimited) or positive")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	switch strings.ToLower(data.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		result.AddWarning("application_data.logging.level",
			fmt.Sprintf("unknown log level %q, info will be used", data.Logging.Level))
	}

	// MQTT
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
		if data.MQTT.UseTLS && data.MQTT.CertFile != "" && data.MQTT.KeyFile == "" {
			result.AddError("application_data.mqtt.key_file", "client key is required with a client certificate")
		}
	}

	// API
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		if data.API.Token == "" && data.API.Listen != "127.0.0.1" && data.API.Listen != "localhost" {
			result.AddWarning("application_data.api.token",
				"API listens beyond localhost without a token")
		}
	}

	// Journal
	if data.Journal.Enabled {
		if strings.TrimSpace(data.Journal.Path) == "" {
			result.AddError("application_data.journal.path", "journal path is required when enabled")
		}
		if data.Journal.RetentionDays < 1 {
			result.AddError("application_data.journal.retention_days", "retention days must be at least 1")
		}
	}

	// Scripts
	if len(data.Scripts.Daily) > 0 {
		if _, err := time.Parse("15:04", data.Scripts.RunAt); err != nil {
			result.AddError("application_data.scripts.run_at", "run_at must be HH:MM")
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
