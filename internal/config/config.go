// Package config handles TOML configuration loading with environment variable substitution.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// SyncMode selects how a profile's syncs are triggered.
type SyncMode string

const (
	SyncModePeriodic SyncMode = "periodic"
	SyncModePoll     SyncMode = "poll"
	SyncModeWebhook  SyncMode = "webhook"
)

// MetadataSource selects where Plex item metadata is read from.
type MetadataSource string

const (
	// MetadataSourceServer reads metadata from the configured Plex server.
	MetadataSourceServer MetadataSource = "server"
	// MetadataSourceOnline reads metadata from Plex's online metadata
	// provider, giving cross-server consistency.
	MetadataSourceOnline MetadataSource = "online"
)

// Config is the root configuration structure.
type Config struct {
	DataPath            string             `toml:"data_path"`
	LogLevel            string             `toml:"log_level"`
	MappingsURL         string             `toml:"mappings_url"`
	MappingsSync        duration           `toml:"mappings_sync_interval"`
	BackupRetentionDays int                `toml:"backup_retention_days"`
	Profiles            map[string]Profile `toml:"profiles"`
}

// Profile is one (Plex user, AniList user) pair and its sync settings.
// Profiles are immutable for the lifetime of the process.
type Profile struct {
	Name string `toml:"-"`

	AnilistToken string `toml:"anilist_token"`

	PlexURL   string `toml:"plex_url"`
	PlexToken string `toml:"plex_token"`
	PlexUser  string `toml:"plex_user"`
	// PlexSections limits syncs to the named library sections; empty scans
	// every movie and show section.
	PlexSections []string `toml:"plex_sections"`

	MetadataSource MetadataSource `toml:"plex_metadata_source"`

	SyncModes    []SyncMode `toml:"sync_modes"`
	SyncInterval int        `toml:"sync_interval"`
	PollInterval int        `toml:"poll_interval"`

	FullScan        bool `toml:"full_scan"`
	PartialScan     bool `toml:"partial_scan"`
	DestructiveSync bool `toml:"destructive_sync"`
	DryRun          bool `toml:"dry_run"`
	BatchRequests   bool `toml:"batch_requests"`

	ExcludedSyncFields   []string `toml:"excluded_sync_fields"`
	FuzzySearchThreshold int      `toml:"fuzzy_search_threshold"`
}

// HasMode reports whether the profile enables the given sync mode.
func (p *Profile) HasMode(m SyncMode) bool {
	for _, mode := range p.SyncModes {
		if mode == m {
			return true
		}
	}
	return false
}

// FieldExcluded reports whether the field is in excluded_sync_fields.
func (p *Profile) FieldExcluded(field string) bool {
	for _, f := range p.ExcludedSyncFields {
		if strings.EqualFold(f, field) {
			return true
		}
	}
	return false
}

// ConfigError collects everything wrong with a config file so one failed
// start reports every problem at once.
type ConfigError struct {
	Path    string
	Missing []string // unresolved ${VAR} references
	Errors  []string // unknown keys and validation failures
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config " + e.Path + ":")
	if len(e.Missing) > 0 {
		b.WriteString(" unresolved environment variables: " + strings.Join(e.Missing, ", "))
	}
	for _, msg := range e.Errors {
		b.WriteString("\n  - " + msg)
	}
	return b.String()
}

// duration wraps time.Duration for TOML decoding of strings like "24h".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Defaults applied by Load when the config omits a value.
const (
	DefaultMappingsURL         = "https://raw.githubusercontent.com/eliasbenb/PlexAniBridge-Mappings/main/mappings.json"
	DefaultMappingsSync        = 24 * time.Hour
	DefaultBackupRetentionDays = 7
	DefaultFuzzyThreshold      = 90
	DefaultSyncInterval        = 3600
	DefaultPollInterval        = 30
)

// Load reads and parses the configuration file.
// Unknown keys are rejected; unresolved ${VAR} references are reported.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	content, missing := substituteEnvVars(string(data))
	if len(missing) > 0 {
		return nil, &ConfigError{Path: path, Missing: missing}
	}

	var cfg Config
	md, err := toml.Decode(content, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		errs := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			errs = append(errs, fmt.Sprintf("unknown key %q", key.String()))
		}
		return nil, &ConfigError{Path: path, Errors: errs}
	}

	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &ConfigError{Path: path, Errors: errs}
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataPath == "" {
		c.DataPath = "./data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MappingsURL == "" {
		c.MappingsURL = DefaultMappingsURL
	}
	if c.MappingsSync.Duration == 0 {
		c.MappingsSync.Duration = DefaultMappingsSync
	}
	if c.BackupRetentionDays == 0 {
		c.BackupRetentionDays = DefaultBackupRetentionDays
	}

	for name, p := range c.Profiles {
		p.Name = name
		if p.MetadataSource == "" {
			p.MetadataSource = MetadataSourceServer
		}
		if len(p.SyncModes) == 0 {
			p.SyncModes = []SyncMode{SyncModePeriodic}
		}
		if p.SyncInterval == 0 {
			p.SyncInterval = DefaultSyncInterval
		}
		if p.PollInterval == 0 {
			p.PollInterval = DefaultPollInterval
		}
		if p.FuzzySearchThreshold == 0 {
			p.FuzzySearchThreshold = DefaultFuzzyThreshold
		}
		c.Profiles[name] = p
	}
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
// and returns the names of variables that could not be resolved.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(content string) (string, []string) {
	var missing []string
	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1] // Strip ${ and }
		if value, ok := os.LookupEnv(varName); ok {
			return value
		}
		missing = append(missing, varName)
		return match
	})
	return result, missing
}
