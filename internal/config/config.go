package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/ticketbridge/internal/ticketsync"
)

// Duration is a time.Duration that unmarshals from YAML strings like "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type JobConfig struct {
	ID                 string   `yaml:"id"`
	SyncTag            string   `yaml:"sync_tag"`
	SyncLevel          string   `yaml:"sync_level"`
	TicketIDContextKey string   `yaml:"ticket_id_context_key"`
	Lookback           Duration `yaml:"lookback"`
	Interval           Duration `yaml:"interval"`
	PageSize           int      `yaml:"page_size"`
	MaxCases           int      `yaml:"max_cases"`
	ExcludedFields     []string `yaml:"excluded_fields"`
}

type PrefixConfig struct {
	TicketComment    string `yaml:"ticket_comment"`
	CaseComment      string `yaml:"case_comment"`
	TicketAttachment string `yaml:"ticket_attachment"`
	CaseAttachment   string `yaml:"case_attachment"`
	Notifier         string `yaml:"notifier"`
}

type TicketingConfig struct {
	APIRoot  string `yaml:"api_root"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

type CasePlatformConfig struct {
	APIRoot string `yaml:"api_root"`
	APIKey  string `yaml:"api_key"`
}

type StateConfig struct {
	// DSN selects the property-store backend; empty means the case
	// platform's job context.
	DSN string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Config struct {
	Job          JobConfig          `yaml:"job"`
	Prefixes     PrefixConfig       `yaml:"prefixes"`
	Ticketing    TicketingConfig    `yaml:"ticketing"`
	CasePlatform CasePlatformConfig `yaml:"case_platform"`
	State        StateConfig        `yaml:"state"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// Load reads, schema-validates and decodes the YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validateAgainstSchema(doc); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func validateAgainstSchema(doc map[string]any) error {
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonDoc))
	if err != nil {
		return fmt.Errorf("decode config for validation: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("parse config schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("register config schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// OriginTags builds the loop-suppression tag set, falling back to the
// defaults for any prefix the file leaves empty.
func (c *Config) OriginTags() (*ticketsync.OriginTags, error) {
	defaults := ticketsync.DefaultOriginTags()
	prefixes := map[ticketsync.OriginTag]string{
		ticketsync.OriginTicketComment:    c.Prefixes.TicketComment,
		ticketsync.OriginCaseComment:      c.Prefixes.CaseComment,
		ticketsync.OriginTicketAttachment: c.Prefixes.TicketAttachment,
		ticketsync.OriginCaseAttachment:   c.Prefixes.CaseAttachment,
		ticketsync.OriginNotifier:         c.Prefixes.Notifier,
	}
	for tag, prefix := range prefixes {
		if prefix == "" {
			prefixes[tag] = defaults.Prefix(tag)
		}
	}
	return ticketsync.NewOriginTags(prefixes)
}

// SyncConfig maps the file onto the syncer's configuration.
func (c *Config) SyncConfig() (ticketsync.Config, error) {
	tags, err := c.OriginTags()
	if err != nil {
		return ticketsync.Config{}, err
	}
	var exclusions ticketsync.Exclusions
	if len(c.Job.ExcludedFields) > 0 {
		exclusions = ticketsync.NewExclusions(c.Job.ExcludedFields)
	}
	return ticketsync.Config{
		JobID:              c.Job.ID,
		SyncTag:            c.Job.SyncTag,
		SyncLevel:          ticketsync.SyncLevel(c.Job.SyncLevel),
		TicketIDContextKey: c.Job.TicketIDContextKey,
		Lookback:           c.Job.Lookback.Std(),
		PageSize:           c.Job.PageSize,
		MaxCases:           c.Job.MaxCases,
		Exclusions:         exclusions,
		Tags:               tags,
	}, nil
}

const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job", "ticketing", "case_platform"],
  "properties": {
    "job": {
      "type": "object",
      "required": ["id", "sync_tag"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "sync_tag": {"type": "string", "minLength": 1},
        "sync_level": {"enum": ["case", "alert"]},
        "ticket_id_context_key": {"type": "string"},
        "lookback": {"type": "string"},
        "interval": {"type": "string"},
        "page_size": {"type": "integer", "minimum": 1},
        "max_cases": {"type": "integer", "minimum": 1},
        "excluded_fields": {"type": "array", "items": {"type": "string"}}
      }
    },
    "prefixes": {
      "type": "object",
      "properties": {
        "ticket_comment": {"type": "string"},
        "case_comment": {"type": "string"},
        "ticket_attachment": {"type": "string"},
        "case_attachment": {"type": "string"},
        "notifier": {"type": "string"}
      }
    },
    "ticketing": {
      "type": "object",
      "required": ["api_root", "username"],
      "properties": {
        "api_root": {"type": "string", "minLength": 1},
        "username": {"type": "string", "minLength": 1},
        "password": {"type": "string"},
        "table": {"type": "string"}
      }
    },
    "case_platform": {
      "type": "object",
      "required": ["api_root", "api_key"],
      "properties": {
        "api_root": {"type": "string", "minLength": 1},
        "api_key": {"type": "string", "minLength": 1}
      }
    },
    "state": {
      "type": "object",
      "properties": {
        "dsn": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"}
      }
    }
  }
}`
