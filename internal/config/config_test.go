package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/ticketbridge/internal/ticketsync"
)

const validConfig = `
job:
  id: servicenow-sync
  sync_tag: ticket-sync
  sync_level: alert
  lookback: 1h
  interval: 5m
  page_size: 300
  max_cases: 50
  excluded_fields: [sys_updated_on, sys_mod_count]
prefixes:
  notifier: "Change Watcher: "
ticketing:
  api_root: https://instance.example/api/now
  username: sync-user
  password: secret
  table: incident
case_platform:
  api_root: https://soar.example/api
  api_key: key-123
state:
  dsn: memory://
logging:
  level: debug
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Job.ID != "servicenow-sync" || cfg.Job.SyncTag != "ticket-sync" {
		t.Fatalf("job = %+v", cfg.Job)
	}
	if cfg.Job.Lookback.Std() != time.Hour || cfg.Job.Interval.Std() != 5*time.Minute {
		t.Fatalf("durations = %v, %v", cfg.Job.Lookback.Std(), cfg.Job.Interval.Std())
	}
	if cfg.State.DSN != "memory://" {
		t.Fatalf("state dsn = %q", cfg.State.DSN)
	}
}

func TestParseRejectsMissingRequired(t *testing.T) {
	missing := strings.Replace(validConfig, "sync_tag: ticket-sync", "", 1)
	if _, err := Parse([]byte(missing)); err == nil {
		t.Fatal("config without sync_tag accepted")
	}
}

func TestParseRejectsBadSyncLevel(t *testing.T) {
	bad := strings.Replace(validConfig, "sync_level: alert", "sync_level: everything", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("bogus sync_level accepted")
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	bad := strings.Replace(validConfig, "lookback: 1h", "lookback: soon", 1)
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatal("bogus duration accepted")
	}
}

func TestSyncConfigAppliesPrefixOverrides(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	syncCfg, err := cfg.SyncConfig()
	if err != nil {
		t.Fatalf("SyncConfig: %v", err)
	}
	if syncCfg.SyncLevel != ticketsync.SyncLevelAlert {
		t.Fatalf("sync level = %q", syncCfg.SyncLevel)
	}
	if got := syncCfg.Tags.Prefix(ticketsync.OriginNotifier); got != "Change Watcher: " {
		t.Fatalf("notifier prefix = %q", got)
	}
	// Unset prefixes fall back to the defaults.
	if got := syncCfg.Tags.Prefix(ticketsync.OriginTicketComment); got != "ServiceNow:" {
		t.Fatalf("ticket comment prefix = %q", got)
	}
}

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)
	logger.Info("cycle finished", "tickets", 3)

	if !strings.Contains(stderr.String(), "cycle finished") {
		t.Fatalf("stderr output = %q", stderr.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(file.Bytes(), &entry); err != nil {
		t.Fatalf("file output is not JSON: %v (%q)", err, file.String())
	}
	if entry["msg"] != "cycle finished" {
		t.Fatalf("file entry = %v", entry)
	}
}
