// Package config holds the typed configuration surface the core pipeline
// depends on. Loading, validating, and hot-reloading configuration from a
// file or management API is an external-collaborator concern; Load here is
// a minimal environment-variable reader that exists so the binary can run
// standalone and in integration tests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StreamDescriptor is the configuration-derived identity of one ingested
// stream. Its lifetime is the process lifetime.
type StreamDescriptor struct {
	Name    string
	URL     string
	Enabled bool
}

// Config is the full set of options the core pipeline consumes, per the
// option table enumerated in the specification. The core never reads
// environment variables or CLI flags directly; it only ever sees this
// struct.
type Config struct {
	WindowSeconds  int
	HopSeconds     int
	DedupSeconds   int
	TwoHitHopTol   int
	DecisionPolicy string

	GlobalMaxInflightRecognitions int
	PerProviderMaxInflight        int

	Streams []StreamDescriptor

	AcoustIDEnabled   bool
	AcoustIDAPIKey    string
	ChromaprintPath   string
	AcoustIDLookupURL string

	SignalMatchEnabled bool
	SignalMatchURL     string

	DBPath string

	HTTPAddr string

	RTSPTransport string
	RTSPTimeout   time.Duration
	RWTimeout     time.Duration

	DecoderRestartBudget int
	DecoderBackoffBase   time.Duration
	DecoderBackoffCap    time.Duration
	DecoderStopGrace     time.Duration

	RecognitionTimeout time.Duration
}

// WindowDuration returns the configured window length as a time.Duration.
func (c *Config) WindowDuration() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// HopDuration returns the configured hop cadence as a time.Duration.
func (c *Config) HopDuration() time.Duration {
	return time.Duration(c.HopSeconds) * time.Second
}

// DedupDuration returns the configured dedup bucket width as a time.Duration.
func (c *Config) DedupDuration() time.Duration {
	return time.Duration(c.DedupSeconds) * time.Second
}

// ToleranceDuration returns the maximum allowed gap between a first and
// second hit for two-hit confirmation.
func (c *Config) ToleranceDuration() time.Duration {
	return time.Duration(c.TwoHitHopTol) * c.HopDuration()
}

// Validate checks the invariants the specification requires at config time.
// Fatal at startup; never reachable from the hot path.
func (c *Config) Validate() error {
	if c.WindowSeconds < 1 || c.WindowSeconds > 300 {
		return fmt.Errorf("window_seconds must be in [1, 300], got %d", c.WindowSeconds)
	}
	if c.HopSeconds <= c.WindowSeconds {
		return fmt.Errorf("hop_seconds (%d) must be greater than window_seconds (%d)", c.HopSeconds, c.WindowSeconds)
	}
	if c.DedupSeconds <= 0 {
		return fmt.Errorf("dedup_seconds must be > 0, got %d", c.DedupSeconds)
	}
	if c.TwoHitHopTol < 0 || c.TwoHitHopTol > 10 {
		return fmt.Errorf("two_hit_hop_tolerance must be in [0, 10], got %d", c.TwoHitHopTol)
	}
	if c.GlobalMaxInflightRecognitions <= 0 {
		return fmt.Errorf("global_max_inflight_recognitions must be > 0, got %d", c.GlobalMaxInflightRecognitions)
	}
	if c.PerProviderMaxInflight <= 0 {
		return fmt.Errorf("per_provider_max_inflight must be > 0, got %d", c.PerProviderMaxInflight)
	}
	if c.DecisionPolicy != "two-hit" {
		return fmt.Errorf("decision_policy must be \"two-hit\", got %q", c.DecisionPolicy)
	}
	seen := make(map[string]bool, len(c.Streams))
	for _, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("stream name must not be empty")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stream name %q", s.Name)
		}
		seen[s.Name] = true
		if !strings.HasPrefix(s.URL, "rtsp://") && !strings.HasPrefix(s.URL, "rtsps://") {
			return fmt.Errorf("stream %q: url must be rtsp:// or rtsps://, got %q", s.Name, s.URL)
		}
	}
	return nil
}

// Default returns a Config populated with the specification's defaults.
func Default() *Config {
	return &Config{
		WindowSeconds:  12,
		HopSeconds:     120,
		DedupSeconds:   300,
		TwoHitHopTol:   1,
		DecisionPolicy: "two-hit",

		GlobalMaxInflightRecognitions: 3,
		PerProviderMaxInflight:        3,

		ChromaprintPath:   "/usr/bin/fpcalc",
		AcoustIDLookupURL: "https://api.acoustid.org/v2/lookup",

		SignalMatchEnabled: true,

		DBPath: "./data/echotag.db",

		HTTPAddr: ":8080",

		RTSPTransport: "tcp",
		RTSPTimeout:   10 * time.Second,
		RWTimeout:     15 * time.Second,

		DecoderRestartBudget: 10,
		DecoderBackoffBase:   1 * time.Second,
		DecoderBackoffCap:    60 * time.Second,
		DecoderStopGrace:     5 * time.Second,

		RecognitionTimeout: 30 * time.Second,
	}
}

// Load builds a Config from environment variables, falling back to
// Default() values when unset. Stream descriptors are read from
// STREAM_<n>_{NAME,URL,ENABLED} for n in [1, streamCount].
func Load() *Config {
	cfg := Default()

	cfg.WindowSeconds = getEnvInt("WINDOW_SECONDS", cfg.WindowSeconds)
	cfg.HopSeconds = getEnvInt("HOP_SECONDS", cfg.HopSeconds)
	cfg.DedupSeconds = getEnvInt("DEDUP_SECONDS", cfg.DedupSeconds)
	cfg.TwoHitHopTol = getEnvInt("TWO_HIT_HOP_TOLERANCE", cfg.TwoHitHopTol)
	cfg.DecisionPolicy = getEnv("DECISION_POLICY", cfg.DecisionPolicy)

	cfg.GlobalMaxInflightRecognitions = getEnvInt("GLOBAL_MAX_INFLIGHT_RECOGNITIONS", cfg.GlobalMaxInflightRecognitions)
	cfg.PerProviderMaxInflight = getEnvInt("PER_PROVIDER_MAX_INFLIGHT", cfg.PerProviderMaxInflight)

	cfg.AcoustIDEnabled = getEnvBool("ACOUSTID_ENABLED", cfg.AcoustIDEnabled)
	cfg.AcoustIDAPIKey = getEnv("ACOUSTID_API_KEY", cfg.AcoustIDAPIKey)
	cfg.ChromaprintPath = getEnv("CHROMAPRINT_PATH", cfg.ChromaprintPath)
	cfg.AcoustIDLookupURL = getEnv("ACOUSTID_LOOKUP_URL", cfg.AcoustIDLookupURL)

	cfg.SignalMatchEnabled = getEnvBool("SIGNALMATCH_ENABLED", cfg.SignalMatchEnabled)
	cfg.SignalMatchURL = getEnv("SIGNALMATCH_URL", cfg.SignalMatchURL)

	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)

	streamCount := getEnvInt("STREAM_COUNT", 0)
	streams := make([]StreamDescriptor, 0, streamCount)
	for i := 1; i <= streamCount; i++ {
		name := getEnv(fmt.Sprintf("STREAM_%d_NAME", i), fmt.Sprintf("stream_%d", i))
		url := getEnv(fmt.Sprintf("STREAM_%d_URL", i), "")
		if url == "" {
			continue
		}
		enabled := getEnvBool(fmt.Sprintf("STREAM_%d_ENABLED", i), true)
		streams = append(streams, StreamDescriptor{Name: name, URL: url, Enabled: enabled})
	}
	cfg.Streams = streams

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}
