package config

import (
	"fmt"
	"net/url"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validSyncModes = map[SyncMode]bool{
	SyncModePeriodic: true, SyncModePoll: true, SyncModeWebhook: true,
}

var validMetadataSources = map[MetadataSource]bool{
	MetadataSourceServer: true, MetadataSourceOnline: true,
}

// Entry fields that may appear in excluded_sync_fields.
var validEntryFields = map[string]bool{
	"status": true, "progress": true, "repeat": true, "score": true,
	"notes": true, "started_at": true, "completed_at": true,
}

// Validate checks the configuration for errors.
// Returns a slice of error messages (empty if valid).
func (c *Config) Validate() []string {
	var errs []string

	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Sprintf("log_level: must be one of debug, info, warn, error; got %q", c.LogLevel))
	}
	if c.BackupRetentionDays < 0 {
		errs = append(errs, fmt.Sprintf("backup_retention_days: must be >= 0, got %d", c.BackupRetentionDays))
	}
	if len(c.Profiles) == 0 {
		errs = append(errs, "profiles: at least one profile must be configured")
	}

	// One AniList account per profile: a single account shared across
	// profiles would race on the list cache and mutation order.
	tokens := make(map[string]string)

	for name, p := range c.Profiles {
		prefix := "profiles." + name

		if p.AnilistToken == "" {
			errs = append(errs, prefix+".anilist_token: required")
		} else if other, dup := tokens[p.AnilistToken]; dup {
			errs = append(errs, fmt.Sprintf("%s.anilist_token: same AniList token as profile %q; one account per profile", prefix, other))
		} else {
			tokens[p.AnilistToken] = name
		}

		if p.PlexURL == "" {
			errs = append(errs, prefix+".plex_url: required")
		} else if _, err := url.Parse(p.PlexURL); err != nil {
			errs = append(errs, fmt.Sprintf("%s.plex_url: invalid URL: %v", prefix, err))
		}
		if p.PlexToken == "" {
			errs = append(errs, prefix+".plex_token: required")
		}

		if !validMetadataSources[p.MetadataSource] {
			errs = append(errs, fmt.Sprintf("%s.plex_metadata_source: must be %q or %q, got %q",
				prefix, MetadataSourceServer, MetadataSourceOnline, p.MetadataSource))
		}

		for _, m := range p.SyncModes {
			if !validSyncModes[m] {
				errs = append(errs, fmt.Sprintf("%s.sync_modes: unknown mode %q", prefix, m))
			}
		}

		if p.SyncInterval != -1 && p.SyncInterval < 60 {
			errs = append(errs, fmt.Sprintf("%s.sync_interval: must be >= 60 seconds or -1 to disable, got %d", prefix, p.SyncInterval))
		}
		if p.PollInterval < 1 {
			errs = append(errs, fmt.Sprintf("%s.poll_interval: must be >= 1 second, got %d", prefix, p.PollInterval))
		}

		if p.FuzzySearchThreshold < 0 || p.FuzzySearchThreshold > 100 {
			errs = append(errs, fmt.Sprintf("%s.fuzzy_search_threshold: must be 0-100, got %d", prefix, p.FuzzySearchThreshold))
		}

		for _, f := range p.ExcludedSyncFields {
			if !validEntryFields[f] {
				errs = append(errs, fmt.Sprintf("%s.excluded_sync_fields: unknown field %q", prefix, f))
			}
		}
	}

	return errs
}
