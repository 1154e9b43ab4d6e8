// Package config loads the gateway's process configuration: flags first,
// environment variable overrides second, grounded on the teacher's
// config.Load idiom (flag.*Var followed by explicit os.LookupEnv overrides).
package config

import (
	"flag"
	"fmt"
	"os"
)

// Config holds every knob named in spec.md §6's CLI table.
type Config struct {
	HTTPAddr                   string
	SIPAddr                    string
	Secret                     string
	PhoneNumbersSyncURL        string
	PhoneNumbersSyncIntervalMS int
	HTTPHookQueues             int
	MediaGateway               string
	LogLevel                   string
}

// Load parses CLI flags, applies environment overrides, and validates
// required fields. It must be called at most once per process (it touches
// the global flag.CommandLine, matching the teacher's pattern).
func Load() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.HTTPAddr, "http", "0.0.0.0:8008", "management HTTP listen address")
	flag.StringVar(&cfg.SIPAddr, "sip", "0.0.0.0:5060", "SIP UDP listen address")
	flag.StringVar(&cfg.Secret, "secret", "", "management API shared secret (X-API-Key)")
	flag.StringVar(&cfg.PhoneNumbersSyncURL, "phone-numbers-sync", "", "address book sync URL")
	flag.IntVar(&cfg.PhoneNumbersSyncIntervalMS, "phone-numbers-sync-interval-ms", 30000, "address book sync interval in milliseconds")
	flag.IntVar(&cfg.HTTPHookQueues, "http-hook-queues", 20, "number of outbound hook worker goroutines")
	flag.StringVar(&cfg.MediaGateway, "media-gateway", "", "base URL of the external RTP engine (required)")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug|info|warn|error")

	flag.Parse()

	overrideString(&cfg.HTTPAddr, "GATEWAY_HTTP")
	overrideString(&cfg.SIPAddr, "GATEWAY_SIP")
	overrideString(&cfg.Secret, "GATEWAY_SECRET")
	overrideString(&cfg.PhoneNumbersSyncURL, "GATEWAY_PHONE_NUMBERS_SYNC")
	overrideInt(&cfg.PhoneNumbersSyncIntervalMS, "GATEWAY_PHONE_NUMBERS_SYNC_INTERVAL_MS")
	overrideInt(&cfg.HTTPHookQueues, "GATEWAY_HTTP_HOOK_QUEUES")
	overrideString(&cfg.MediaGateway, "GATEWAY_MEDIA_GATEWAY")
	overrideString(&cfg.LogLevel, "GATEWAY_LOG_LEVEL")

	if cfg.MediaGateway == "" {
		return nil, fmt.Errorf("--media-gateway is required")
	}

	return cfg, nil
}

func overrideString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			*dst = parsed
		}
	}
}
