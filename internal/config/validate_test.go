package config

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestParseRelayDefaults(t *testing.T) {
	rs, err := ParseRelay(RelayConfig{Source: "@s"})
	if err != nil {
		t.Fatal(err)
	}
	if rs.PollInterval != 5*time.Second || rs.FetchTimeout != 30*time.Second || rs.SendTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", rs)
	}
	if rs.Overlap != "allow" {
		t.Fatalf("overlap=%q want allow", rs.Overlap)
	}
	if len(rs.Destinations) != len(DefaultDestinations()) {
		t.Fatalf("expected compiled-in destinations, got %v", rs.Destinations)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad transport", func(c *Config) { c.Telegram.Transport = "smoke" }, "telegram.transport"},
		{"empty source", func(c *Config) { c.Relay.Source = " " }, "relay.source"},
		{"zero interval", func(c *Config) { c.Relay.Destinations = map[string]int{"@a": 0} }, "relay.destinations"},
		{"huge interval", func(c *Config) { c.Relay.Destinations = map[string]int{"@a": math.MaxInt} }, "at most"},
		{"one year interval", func(c *Config) { c.Relay.Destinations = map[string]int{"@a": MaxDestinationMinutes} }, ""},
		{"bad duration", func(c *Config) { c.Relay.PollInterval = "often" }, "relay.poll_interval"},
		{"negative duration", func(c *Config) { c.Relay.SendTimeout = "-1s" }, "relay.send_timeout"},
		{"bad overlap", func(c *Config) { c.Relay.Overlap = "queue" }, "relay.overlap"},
		{"bad storage", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"public ops without token", func(c *Config) {
			c.Ops.Enabled = true
			c.Ops.Addr = "0.0.0.0:9090"
		}, "ops.addr"},
		{"public ops with token", func(c *Config) {
			c.Ops.Enabled = true
			c.Ops.Addr = "0.0.0.0:9090"
			c.Ops.Token = "t"
		}, ""},
		{"ops disabled ignores addr", func(c *Config) { c.Ops.Addr = "nonsense" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestIsLoopbackHost(t *testing.T) {
	for host, want := range map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"[::1]":     true,
		"localhost": true,
		"":          false,
		"0.0.0.0":   false,
		"10.0.0.1":  false,
	} {
		if got := IsLoopbackHost(host); got != want {
			t.Errorf("IsLoopbackHost(%q)=%v want %v", host, got, want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	changed, _, restart := SummarizeConfigChange(a, b)
	if len(changed) != 1 || changed[0] != "logging" || restart {
		t.Fatalf("changed=%v restart=%v", changed, restart)
	}

	b.Relay.Destinations = map[string]int{"@x": 1}
	b.Telegram.Session = "secret"
	changed, attrs, restart := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "logging,relay,telegram" || !restart {
		t.Fatalf("changed=%v restart=%v", changed, restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
}
