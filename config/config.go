// Package config loads rowdiff's CLI flags and TOML configuration file.
// A named [run.<name>] section overrides run.default field-by-field, and
// CLI flags override both.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DatabaseConfig is one [database.<name>] section.
type DatabaseConfig struct {
	Driver   string `toml:"driver"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	Schema   string `toml:"schema"`
	DSN      string `toml:"dsn"`
}

// RunConfig is one [run.<name>] section. Zero values mean
// "unset" so MergeRunConfig can tell a deliberate override from silence.
type RunConfig struct {
	KeyColumns       []string `toml:"key_columns"`
	UpdateColumn     string   `toml:"update_column"`
	Columns          []string `toml:"columns"`
	Where            string   `toml:"where"`
	MinAge           string   `toml:"min_age"`
	MaxAge           string   `toml:"max_age"`
	Algorithm        string   `toml:"algorithm"`
	BisectionFactor  int      `toml:"bisection_factor"`
	BisectionThreshold int64  `toml:"bisection_threshold"`
	Materialize      string   `toml:"materialize"`
	AssumeUniqueKey  bool     `toml:"assume_unique_key"`
	SampleExclusive  bool     `toml:"sample_exclusive_rows"`
	MaterializeAll   bool     `toml:"materialize_all_rows"`
	TableWriteLimit  int64    `toml:"table_write_limit"`
	Threads          int      `toml:"threads"`
	Limit            int64    `toml:"limit"`
}

// File is the parsed shape of a --conf FILE.
type File struct {
	Database map[string]DatabaseConfig `toml:"database"`
	Run      map[string]RunConfig      `toml:"run"`
}

// Load parses path as TOML.
func Load(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &f, nil
}

// ResolveRun returns the named run section merged over run.default,
// field-by-field, override-wins-if-set. name == "" or "default" returns
// run.default as-is.
func (f *File) ResolveRun(name string) RunConfig {
	base := f.Run["default"]
	if name == "" || name == "default" {
		return base
	}
	override, ok := f.Run[name]
	if !ok {
		return base
	}
	return MergeRunConfig(base, override)
}

// MergeRunConfig merges two RunConfigs, with override's non-zero fields
// winning over base.
func MergeRunConfig(base, override RunConfig) RunConfig {
	result := base
	if override.KeyColumns != nil {
		result.KeyColumns = override.KeyColumns
	}
	if override.UpdateColumn != "" {
		result.UpdateColumn = override.UpdateColumn
	}
	if override.Columns != nil {
		result.Columns = override.Columns
	}
	if override.Where != "" {
		result.Where = override.Where
	}
	if override.MinAge != "" {
		result.MinAge = override.MinAge
	}
	if override.MaxAge != "" {
		result.MaxAge = override.MaxAge
	}
	if override.Algorithm != "" {
		result.Algorithm = override.Algorithm
	}
	if override.BisectionFactor != 0 {
		result.BisectionFactor = override.BisectionFactor
	}
	if override.BisectionThreshold != 0 {
		result.BisectionThreshold = override.BisectionThreshold
	}
	if override.Materialize != "" {
		result.Materialize = override.Materialize
	}
	if override.AssumeUniqueKey {
		result.AssumeUniqueKey = true
	}
	if override.SampleExclusive {
		result.SampleExclusive = true
	}
	if override.MaterializeAll {
		result.MaterializeAll = true
	}
	if override.TableWriteLimit != 0 {
		result.TableWriteLimit = override.TableWriteLimit
	}
	if override.Threads != 0 {
		result.Threads = override.Threads
	}
	if override.Limit != 0 {
		result.Limit = override.Limit
	}
	return result
}

// Options is the full set of resolved settings after CLI flags have
// overridden the loaded RunConfig.
type Options struct {
	DB1URI, Table1 string
	DB2URI, Table2 string

	KeyColumns   []string
	UpdateColumn string
	Columns      []string
	Where        string
	MinAge       string
	MaxAge       string

	Algorithm          string
	BisectionFactor    int
	BisectionThreshold int64

	Materialize         string
	AssumeUniqueKey     bool
	SampleExclusiveRows bool
	MaterializeAllRows  bool
	TableWriteLimit     int64

	Stats      bool
	JSON       bool
	Limit      int64
	Verbose    bool
	Debug      bool
	Interactive bool

	Threads int

	ConfFile string
	RunName  string

	PasswordPrompt bool

	NoTracking bool
}

// ApplyRunConfig fills in any Options field left at its zero value from
// rc — CLI flags parsed directly into Options always win because they
// are set before this is called only for fields the user didn't supply.
func ApplyRunConfig(opts *Options, rc RunConfig) {
	if len(opts.KeyColumns) == 0 {
		opts.KeyColumns = rc.KeyColumns
	}
	if opts.UpdateColumn == "" {
		opts.UpdateColumn = rc.UpdateColumn
	}
	if len(opts.Columns) == 0 {
		opts.Columns = rc.Columns
	}
	if opts.Where == "" {
		opts.Where = rc.Where
	}
	if opts.MinAge == "" {
		opts.MinAge = rc.MinAge
	}
	if opts.MaxAge == "" {
		opts.MaxAge = rc.MaxAge
	}
	if opts.Algorithm == "" || opts.Algorithm == "auto" {
		if rc.Algorithm != "" {
			opts.Algorithm = rc.Algorithm
		}
	}
	if opts.BisectionFactor == 0 {
		opts.BisectionFactor = rc.BisectionFactor
	}
	if opts.BisectionThreshold == 0 {
		opts.BisectionThreshold = rc.BisectionThreshold
	}
	if opts.Materialize == "" {
		opts.Materialize = rc.Materialize
	}
	if !opts.AssumeUniqueKey {
		opts.AssumeUniqueKey = rc.AssumeUniqueKey
	}
	if !opts.SampleExclusiveRows {
		opts.SampleExclusiveRows = rc.SampleExclusive
	}
	if !opts.MaterializeAllRows {
		opts.MaterializeAllRows = rc.MaterializeAll
	}
	if opts.TableWriteLimit == 0 {
		opts.TableWriteLimit = rc.TableWriteLimit
	}
	if opts.Threads == 0 {
		opts.Threads = rc.Threads
	}
	if opts.Limit == 0 {
		opts.Limit = rc.Limit
	}
}

// ReadPassword prompts on the controlling terminal with echo disabled.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := readPasswordFromTerminal()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("config: reading password: %w", err)
	}
	return pass, nil
}
