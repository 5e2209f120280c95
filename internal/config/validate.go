package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// MaxDestinationMinutes caps relay.destinations values at one leap year.
const MaxDestinationMinutes = 366 * 24 * 60

// RelaySettings is the parsed form of RelayConfig.
type RelaySettings struct {
	Source       string
	PollInterval time.Duration
	FetchTimeout time.Duration
	SendTimeout  time.Duration
	Overlap      string
	Destinations map[string]int
}

// ParseRelay parses durations and applies defaults.
func ParseRelay(rc RelayConfig) (RelaySettings, error) {
	var out RelaySettings
	var err error
	out.Source = strings.TrimSpace(rc.Source)
	if out.Source == "" {
		return out, errors.New("relay.source is required")
	}
	if out.PollInterval, err = ParseDurationOrDefault("relay.poll_interval", rc.PollInterval, 5*time.Second); err != nil {
		return out, err
	}
	if out.FetchTimeout, err = ParseDurationOrDefault("relay.fetch_timeout", rc.FetchTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.SendTimeout, err = ParseDurationOrDefault("relay.send_timeout", rc.SendTimeout, 30*time.Second); err != nil {
		return out, err
	}
	switch ov := strings.ToLower(strings.TrimSpace(rc.Overlap)); ov {
	case "", "allow":
		out.Overlap = "allow"
	case "skip":
		out.Overlap = "skip"
	default:
		return out, fmt.Errorf("relay.overlap: unknown policy %q (use allow or skip)", rc.Overlap)
	}

	out.Destinations = rc.Destinations
	if len(out.Destinations) == 0 {
		out.Destinations = DefaultDestinations()
	}
	for chat, minutes := range out.Destinations {
		if strings.TrimSpace(chat) == "" {
			return out, errors.New("relay.destinations: empty chat")
		}
		if minutes <= 0 {
			return out, fmt.Errorf("relay.destinations[%s]: interval must be > 0 minutes", chat)
		}
		if minutes > MaxDestinationMinutes {
			return out, fmt.Errorf("relay.destinations[%s]: interval must be at most %d minutes", chat, MaxDestinationMinutes)
		}
	}
	return out, nil
}

// Validate rejects values that would make startup fail later.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Telegram.Transport)) {
	case "", TransportMTProto:
	case TransportBotAPI:
	default:
		errs = append(errs, fmt.Errorf("telegram.transport: unknown transport %q", cfg.Telegram.Transport))
	}
	if cfg.Telegram.APIID < 0 {
		errs = append(errs, errors.New("telegram.api_id must be >= 0"))
	}
	if cfg.Telegram.MaxRetries < 0 {
		errs = append(errs, errors.New("telegram.max_retries must be >= 0"))
	}

	if _, err := ParseRelay(cfg.Relay); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if cfg.Logging.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.telegram.rate_per_sec must be >= 0"))
	}

	if cfg.Ops.Enabled {
		if err := validateOpsAddr(cfg.Ops); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateOpsAddr(o OpsConfig) error {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = DefaultOpsAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if IsLoopbackHost(host) || strings.TrimSpace(o.Token) != "" || o.AllowInsecure {
		return nil
	}
	return fmt.Errorf("ops.addr %q is not loopback: set ops.token or ops.allow_insecure", addr)
}

// IsLoopbackHost reports whether host names the local machine only.
// An empty host (":9090") binds every interface and is not loopback.
func IsLoopbackHost(host string) bool {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
