package runtrail

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings holds everything a run needs before any record is produced.
type Settings struct {
	// RunID identifies the run. Empty means a generated ID.
	RunID string `json:"run_id" yaml:"run_id"`

	// DisplayName is the human-readable run name sent to the service.
	DisplayName string `json:"display_name" yaml:"display_name"`

	// Project and Entity scope the run on the remote service.
	Project string `json:"project" yaml:"project"`
	Entity  string `json:"entity" yaml:"entity"`

	// Config is the initial run configuration.
	Config map[string]any `json:"config" yaml:"config"`

	// Dir is the base directory run directories are created under.
	Dir string `json:"dir" yaml:"dir"`

	// RunDir is the per-run directory. Empty means
	// {Dir}/run-{start}-{run_id}, chosen by Resolve.
	RunDir string `json:"run_dir" yaml:"run_dir"`

	// Offline disables all network traffic. Records still reach the
	// durable log and can be delivered later by runtrail-sync.
	Offline bool `json:"offline" yaml:"offline"`

	// BaseURL is the service root, e.g. "https://api.example.com".
	// Empty implies an offline run.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// APIKey authenticates requests as a bearer token.
	APIKey string `json:"api_key" yaml:"api_key"`

	// Storage configures where changed run files are uploaded.
	Storage StorageSettings `json:"storage" yaml:"storage"`

	// SyncInterval is the durable-log background fsync interval.
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval"`

	// ReplyTimeout bounds the synchronous run upsert during Init.
	ReplyTimeout time.Duration `json:"reply_timeout" yaml:"reply_timeout"`

	// RecordQueueCap is the record channel capacity. Zero means the
	// default.
	RecordQueueCap int `json:"record_queue_cap" yaml:"record_queue_cap"`

	// Ingest tunes event-directory ingestion.
	Ingest IngestSettings `json:"ingest" yaml:"ingest"`

	// Logger overrides the default debug-log handler. Not loadable
	// from settings files.
	Logger *slog.Logger `json:"-" yaml:"-"`

	// Hostname tags the run and filters ingested event files. Filled
	// by Resolve.
	Hostname string `json:"hostname" yaml:"hostname"`

	// StartTime is when the run began. Filled by Resolve.
	StartTime time.Time `json:"start_time" yaml:"start_time"`
}

// StorageSettings selects the object-store backend for run files.
type StorageSettings struct {
	// Type is the storage type: local, s3.
	Type string `json:"type" yaml:"type"`

	// Path is the local store root (for local type). Empty means
	// {Dir}/storage.
	Path string `json:"path" yaml:"path"`

	// S3 configures the s3 type.
	S3 S3Settings `json:"s3" yaml:"s3"`
}

// S3Settings holds S3 storage configuration.
type S3Settings struct {
	// Bucket is the S3 bucket name.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region.
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage).
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (MinIO).
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// IngestSettings tunes event-directory ingestion. Zero values mean the
// ingestion defaults.
type IngestSettings struct {
	// PollInterval is how often watched directories are rescanned.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// GracePeriod bounds the final scan after Finish.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`

	// ConsumerDelay holds consumption back so slow event files can
	// catch up before rows are ordered.
	ConsumerDelay time.Duration `json:"consumer_delay" yaml:"consumer_delay"`

	// MaxRowBytes caps the JSON size of one history row.
	MaxRowBytes int `json:"max_row_bytes" yaml:"max_row_bytes"`
}

// DefaultSettings returns the default settings for an offline local run.
func DefaultSettings() *Settings {
	return &Settings{
		Dir:          "./runtrail",
		Offline:      true,
		Storage:      StorageSettings{Type: "local"},
		ReplyTimeout: 30 * time.Second,
	}
}

// Resolve fills zero values: run identity, host metadata, directories.
// Called by Init; safe to call twice.
func (s *Settings) Resolve() {
	if s.RunID == "" {
		s.RunID = uuid.New().String()[:8]
	}
	if s.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		s.Hostname = host
	}
	if s.StartTime.IsZero() {
		s.StartTime = time.Now()
	}
	if s.BaseURL == "" {
		s.Offline = true
	}
	if s.Dir == "" {
		s.Dir = "./runtrail"
	}
	if s.RunDir == "" {
		stamp := s.StartTime.Format("20060102_150405")
		s.RunDir = filepath.Join(s.Dir, fmt.Sprintf("run-%s-%s", stamp, s.RunID))
	}
	if s.Storage.Type == "" {
		s.Storage.Type = "local"
	}
	if s.Storage.Type == "local" && s.Storage.Path == "" {
		s.Storage.Path = filepath.Join(s.Dir, "storage")
	}
	if s.ReplyTimeout <= 0 {
		s.ReplyTimeout = 30 * time.Second
	}
}

// Validate validates the settings.
func (s *Settings) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("run_id is required (call Resolve first)")
	}
	if s.Storage.Type != "local" && s.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", s.Storage.Type)
	}
	if s.Storage.Type == "s3" && s.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when storage type is s3")
	}
	if s.Ingest.MaxRowBytes < 0 {
		return fmt.Errorf("ingest.max_row_bytes must not be negative, got %d", s.Ingest.MaxRowBytes)
	}
	return nil
}

// EnsureDirectories creates the run directory tree.
func (s *Settings) EnsureDirectories() error {
	for _, dir := range []string{s.RunDir, s.FilesDir(), s.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create run directory %s: %w", dir, err)
		}
	}
	return nil
}

// WALPath returns the durable-log path inside the run directory.
func (s *Settings) WALPath() string { return filepath.Join(s.RunDir, "run.wal") }

// FilesDir returns where files queued by SaveFile are staged.
func (s *Settings) FilesDir() string { return filepath.Join(s.RunDir, "files") }

// LogsDir returns the run's log directory.
func (s *Settings) LogsDir() string { return filepath.Join(s.RunDir, "logs") }

// DebugLogPath returns the default debug log file.
func (s *Settings) DebugLogPath() string { return filepath.Join(s.LogsDir(), "debug.log") }

// LoadSettings loads settings from a YAML or JSON file, layered over
// the defaults.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	s := DefaultSettings()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse YAML settings: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse JSON settings: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported settings file format: %s", ext)
	}

	return s, nil
}

// LoadFromEnv overlays settings from RUNTRAIL_* environment variables,
// reading a .env file first when one is present.
func (s *Settings) LoadFromEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("RUNTRAIL_RUN_ID"); v != "" {
		s.RunID = v
	}
	if v := os.Getenv("RUNTRAIL_DISPLAY_NAME"); v != "" {
		s.DisplayName = v
	}
	if v := os.Getenv("RUNTRAIL_PROJECT"); v != "" {
		s.Project = v
	}
	if v := os.Getenv("RUNTRAIL_ENTITY"); v != "" {
		s.Entity = v
	}
	if v := os.Getenv("RUNTRAIL_DIR"); v != "" {
		s.Dir = v
	}
	if v := os.Getenv("RUNTRAIL_OFFLINE"); v != "" {
		s.Offline = v == "true" || v == "1"
	}
	if v := os.Getenv("RUNTRAIL_BASE_URL"); v != "" {
		s.BaseURL = v
		s.Offline = false
	}
	if v := os.Getenv("RUNTRAIL_API_KEY"); v != "" {
		s.APIKey = v
	}
	if v := os.Getenv("RUNTRAIL_STORAGE_TYPE"); v != "" {
		s.Storage.Type = v
	}
	if v := os.Getenv("RUNTRAIL_STORAGE_PATH"); v != "" {
		s.Storage.Path = v
	}
	if v := os.Getenv("RUNTRAIL_S3_BUCKET"); v != "" {
		s.Storage.S3.Bucket = v
	}
	if v := os.Getenv("RUNTRAIL_S3_REGION"); v != "" {
		s.Storage.S3.Region = v
	}
	if v := os.Getenv("RUNTRAIL_S3_ENDPOINT"); v != "" {
		s.Storage.S3.Endpoint = v
	}
}
