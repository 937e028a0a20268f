package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationConfig holds the full migration configuration.
type MigrationConfig struct {
	Source          SourceConfig      `toml:"source" yaml:"source"`
	Target          TargetConfig      `toml:"target" yaml:"target"`
	Schemas         []string          `toml:"schemas" yaml:"schemas"`
	BatchSize       int               `toml:"batch_size" yaml:"batch_size"`
	OutputDir       string            `toml:"output_dir" yaml:"output_dir"`
	Workers         int               `toml:"workers" yaml:"workers"`
	WritersPerTable int               `toml:"writers_per_table" yaml:"writers_per_table"`
	OnTableError    string            `toml:"on_table_error" yaml:"on_table_error"` // skip|abort
	SchemaOnly      bool              `toml:"schema_only" yaml:"schema_only"`
	Checkpoint      bool              `toml:"checkpoint" yaml:"checkpoint"`
	Hooks           HooksConfig       `toml:"hooks" yaml:"hooks"`
	TypeMapping     TypeMappingConfig `toml:"type_mapping" yaml:"type_mapping"`

	// configDir is the directory containing the config file, used to resolve relative paths.
	configDir string
}

// SourceConfig describes the PostgreSQL connection.
type SourceConfig struct {
	DSN string    `toml:"dsn" yaml:"dsn"`
	SSH SSHConfig `toml:"ssh" yaml:"ssh"`
}

// SSHConfig configures an optional SSH tunnel for source connections.
type SSHConfig struct {
	Host       string `toml:"host" yaml:"host"`
	Port       int    `toml:"port" yaml:"port"`
	User       string `toml:"user" yaml:"user"`
	KeyFile    string `toml:"key_file" yaml:"key_file"`
	KnownHosts string `toml:"known_hosts" yaml:"known_hosts"`
}

func (c SSHConfig) enabled() bool {
	return c.Host != ""
}

// TargetConfig describes the SQL Server connection.
type TargetConfig struct {
	DSN        string `toml:"dsn" yaml:"dsn"`
	InsertMode string `toml:"insert_mode" yaml:"insert_mode"` // bulk|insert
}

type HooksConfig struct {
	BeforeData []string `toml:"before_data" yaml:"before_data"`
	BeforeFk   []string `toml:"before_fk" yaml:"before_fk"`
	AfterAll   []string `toml:"after_all" yaml:"after_all"`
}

// TypeMappingConfig controls optional type coercions.
type TypeMappingConfig struct {
	BigintIdentity bool `toml:"bigint_identity" yaml:"bigint_identity"`
}

const (
	defaultBatchSize = 10000
	defaultOutputDir = "out"
)

func defaultConfig() MigrationConfig {
	return MigrationConfig{
		BatchSize:       defaultBatchSize,
		OutputDir:       defaultOutputDir,
		Workers:         1,
		WritersPerTable: 1,
		OnTableError:    "skip",
		Checkpoint:      true,
		Target:          TargetConfig{InsertMode: "bulk"},
	}
}

// loadConfig reads a TOML or YAML config file and returns a MigrationConfig
// with defaults applied. ${VAR} references in DSNs are expanded from the
// environment.
func loadConfig(path string) (*MigrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if unknown := md.Undecoded(); len(unknown) > 0 {
			keys := make([]string, len(unknown))
			for i, k := range unknown {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	cfg.Source.DSN = strings.TrimSpace(os.ExpandEnv(cfg.Source.DSN))
	cfg.Target.DSN = strings.TrimSpace(os.ExpandEnv(cfg.Target.DSN))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *MigrationConfig) validate() error {
	schemas := c.Schemas[:0]
	for _, s := range c.Schemas {
		if s = strings.TrimSpace(s); s != "" {
			schemas = append(schemas, s)
		}
	}
	c.Schemas = schemas
	if len(c.Schemas) == 0 {
		return fmt.Errorf("schemas is required")
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be greater than 0")
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.WritersPerTable <= 0 {
		c.WritersPerTable = 1
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		c.OutputDir = defaultOutputDir
	}

	switch c.OnTableError {
	case "skip", "abort":
	default:
		return fmt.Errorf("on_table_error must be one of: skip, abort")
	}
	switch c.Target.InsertMode {
	case "bulk", "insert":
	default:
		return fmt.Errorf("target.insert_mode must be one of: bulk, insert")
	}

	if c.Source.DSN == "" {
		return fmt.Errorf("source.dsn is required")
	}
	if c.Target.DSN == "" {
		return fmt.Errorf("target.dsn is required")
	}

	if c.Source.SSH.enabled() {
		if c.Source.SSH.User == "" {
			return fmt.Errorf("source.ssh.user is required when source.ssh.host is set")
		}
		if c.Source.SSH.KeyFile == "" {
			return fmt.Errorf("source.ssh.key_file is required when source.ssh.host is set")
		}
		if c.Source.SSH.Port == 0 {
			c.Source.SSH.Port = 22
		}
		c.Source.SSH.KeyFile = c.resolvePath(c.Source.SSH.KeyFile)
		if c.Source.SSH.KnownHosts != "" {
			c.Source.SSH.KnownHosts = c.resolvePath(c.Source.SSH.KnownHosts)
		}
	}
	return nil
}

// resolvePath resolves a path relative to the config file directory. A
// leading ~/ expands to the home directory.
func (c *MigrationConfig) resolvePath(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

// outputPath returns a path inside the resolved output directory.
func (c *MigrationConfig) outputPath(elem ...string) string {
	return filepath.Join(append([]string{c.resolvePath(c.OutputDir)}, elem...)...)
}
