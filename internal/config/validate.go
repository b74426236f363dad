package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
)

const (
	StoreDriverSQL  = "sql"
	StoreDriverFile = "file"

	ObjectsProviderS3   = "s3"
	ObjectsProviderFile = "file"
)

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// addPrimaryDatabase appends the database.* shortcut unless a database with
// the same id is already listed.
func (c *Config) addPrimaryDatabase(d DatabaseConfig) {
	if strings.TrimSpace(d.DSN) == "" {
		return
	}
	for _, existing := range c.Databases {
		if existing.ID == d.ID {
			return
		}
	}
	c.Databases = append(c.Databases, d)
}

func (c *Config) resolvePaths() {
	if c.Store.Path == "" && c.Store.URL == "" {
		if c.Store.Driver == StoreDriverFile {
			c.Store.Path = filepath.Join(c.DataDir, "jobs")
		} else {
			c.Store.Path = filepath.Join(c.DataDir, "jobs.db")
		}
	}
	if c.Objects.BaseDir == "" {
		c.Objects.BaseDir = filepath.Join(c.DataDir, "objects")
	}
	if c.Steps.WorkDir == "" {
		c.Steps.WorkDir = filepath.Join(c.DataDir, "work")
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Workers < 1 {
		add("workers must be at least 1, got %d", c.Workers)
	}
	if c.Import.MaxInflightBytes <= 0 {
		add("import.max_inflight_bytes must be positive")
	}
	if c.Import.CompressedMultiplier < 1 {
		add("import.compressed_multiplier must be at least 1")
	}
	if c.Import.Timeout <= 0 {
		add("import.timeout must be positive")
	}

	switch c.Store.Driver {
	case StoreDriverSQL, StoreDriverFile:
	default:
		add("store.driver %q is not sql or file", c.Store.Driver)
	}
	if c.Store.Driver == StoreDriverFile && c.Store.URL != "" {
		add("store.url requires the sql driver")
	}

	switch c.Objects.Provider {
	case ObjectsProviderFile:
	case ObjectsProviderS3:
		if c.Objects.Bucket == "" {
			add("objectstore.bucket is required for the s3 provider")
		}
	default:
		add("objectstore.provider %q is not s3 or file", c.Objects.Provider)
	}

	seen := make(map[string]bool, len(c.Databases))
	for i, d := range c.Databases {
		switch {
		case d.ID == "":
			add("databases[%d].id is required", i)
		case seen[d.ID]:
			add("databases[%d].id %q is duplicated", i, d.ID)
		}
		seen[d.ID] = true
		if d.DSN == "" {
			add("databases[%d].dsn is required", i)
		}
		if d.Capacity <= 0 {
			add("databases[%d].capacity must be positive", i)
		}
	}
	return errs
}
