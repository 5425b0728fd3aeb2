package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrEmpty = errors.New("config file is empty")

type Config struct {
	LogLevel      string              `json:"log_level" yaml:"log_level"`
	LogFormat     string              `json:"log_format" yaml:"log_format"`
	Ingest        IngestConfig        `json:"ingest" yaml:"ingest"`
	Scoring       ScoringConfig       `json:"scoring" yaml:"scoring"`
	Profiles      ProfilesConfig      `json:"profiles" yaml:"profiles"`
	Correlation   CorrelationConfig   `json:"correlation" yaml:"correlation"`
	Assessment    AssessmentConfig    `json:"assessment" yaml:"assessment"`
	Recovery      RecoveryConfig      `json:"recovery" yaml:"recovery"`
	RateLimit     RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	AccessControl AccessControlConfig `json:"access_control" yaml:"access_control"`
	Audit         AuditConfig         `json:"audit" yaml:"audit"`
	Incidents     IncidentsConfig     `json:"incidents" yaml:"incidents"`
	Notify        NotifyConfig        `json:"notify" yaml:"notify"`
	Geo           GeoConfig           `json:"geo" yaml:"geo"`
	API           APIConfig           `json:"api" yaml:"api"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration   `json:"dedupe_window" yaml:"dedupe_window"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	Syslog        SyslogConfig    `json:"syslog" yaml:"syslog"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type SyslogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	UDPAddr string `json:"udp_addr" yaml:"udp_addr"`
	TCPAddr string `json:"tcp_addr" yaml:"tcp_addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ScoringConfig struct {
	BaseScores          map[string]int `json:"base_scores" yaml:"base_scores"`
	FrequencyWindow     time.Duration  `json:"frequency_window" yaml:"frequency_window"`
	FrequencyStep       float64        `json:"frequency_step" yaml:"frequency_step"`
	MaxFrequencyFactor  float64        `json:"max_frequency_factor" yaml:"max_frequency_factor"`
	MetadataRiskCap     int            `json:"metadata_risk_cap" yaml:"metadata_risk_cap"`
	SuspiciousHeaders   []string       `json:"suspicious_headers" yaml:"suspicious_headers"`
	SuspiciousKeywords  []string       `json:"suspicious_keywords" yaml:"suspicious_keywords"`
	HighRiskCountries   []string       `json:"high_risk_countries" yaml:"high_risk_countries"`
	MediumRiskCountries []string       `json:"medium_risk_countries" yaml:"medium_risk_countries"`
	NightStartHour      int            `json:"night_start_hour" yaml:"night_start_hour"`
	NightEndHour        int            `json:"night_end_hour" yaml:"night_end_hour"`
}

type ProfilesConfig struct {
	Capacity       int  `json:"capacity" yaml:"capacity"`
	HistoryLimit   int  `json:"history_limit" yaml:"history_limit"`
	KeyIncludeUser bool `json:"key_include_user" yaml:"key_include_user"`
}

type CorrelationConfig struct {
	PatternsFile string `json:"patterns_file" yaml:"patterns_file"`
}

type LevelThresholds struct {
	Critical int `json:"critical" yaml:"critical"`
	Severe   int `json:"severe" yaml:"severe"`
	High     int `json:"high" yaml:"high"`
	Moderate int `json:"moderate" yaml:"moderate"`
}

type BlockDurations struct {
	Severe   time.Duration `json:"severe" yaml:"severe"`
	High     time.Duration `json:"high" yaml:"high"`
	Moderate time.Duration `json:"moderate" yaml:"moderate"`
}

type AssessmentConfig struct {
	Thresholds     LevelThresholds `json:"thresholds" yaml:"thresholds"`
	BlockDurations BlockDurations  `json:"block_durations" yaml:"block_durations"`
}

type RecoveryConfig struct {
	WorkflowsFile         string        `json:"workflows_file" yaml:"workflows_file"`
	AutoApprove           bool          `json:"auto_approve" yaml:"auto_approve"`
	DefaultActionTimeout  time.Duration `json:"default_action_timeout" yaml:"default_action_timeout"`
	EscalateOnFailures    int           `json:"escalate_on_failures" yaml:"escalate_on_failures"`
	RateLimitPolicyLimit  int           `json:"rate_limit_policy_limit" yaml:"rate_limit_policy_limit"`
	RateLimitPolicyWindow time.Duration `json:"rate_limit_policy_window" yaml:"rate_limit_policy_window"`
	LockoutDuration       time.Duration `json:"lockout_duration" yaml:"lockout_duration"`
	MonitoringDuration    time.Duration `json:"monitoring_duration" yaml:"monitoring_duration"`
}

type EndpointLimit struct {
	UserLimit     int           `json:"user_limit" yaml:"user_limit"`
	IPLimit       int           `json:"ip_limit" yaml:"ip_limit"`
	Window        time.Duration `json:"window" yaml:"window"`
	BlockDuration time.Duration `json:"block_duration" yaml:"block_duration"`
}

type RateLimitConfig struct {
	Shards        int                      `json:"shards" yaml:"shards"`
	SweepInterval time.Duration            `json:"sweep_interval" yaml:"sweep_interval"`
	Endpoints     map[string]EndpointLimit `json:"endpoints" yaml:"endpoints"`
}

type AccessControlConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Trusted []string `json:"trusted" yaml:"trusted"`
	Denied  []string `json:"denied" yaml:"denied"`
}

type AuditConfig struct {
	MaxEntries  int    `json:"max_entries" yaml:"max_entries"`
	ArchivePath string `json:"archive_path" yaml:"archive_path"`
}

type IncidentsConfig struct {
	StoreLimit int           `json:"store_limit" yaml:"store_limit"`
	Retention  time.Duration `json:"retention" yaml:"retention"`
}

type NotifyConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	NATSURL         string        `json:"nats_url" yaml:"nats_url"`
	Subject         string        `json:"subject" yaml:"subject"`
	QueueSize       int           `json:"queue_size" yaml:"queue_size"`
	Cooldown        time.Duration `json:"cooldown" yaml:"cooldown"`
	BreakerFailures uint32        `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `json:"breaker_timeout" yaml:"breaker_timeout"`
}

type GeoConfig struct {
	CityDBPath string `json:"city_db_path" yaml:"city_db_path"`
	CacheSize  int    `json:"cache_size" yaml:"cache_size"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Driver    string `json:"driver" yaml:"driver"`
	DSN       string `json:"dsn" yaml:"dsn"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			DedupeWindow:  1 * time.Second,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Syslog:        SyslogConfig{Enabled: false, UDPAddr: ":5514", TCPAddr: ":5514"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Scoring: ScoringConfig{
			FrequencyWindow:    15 * time.Minute,
			FrequencyStep:      0.2,
			MaxFrequencyFactor: 3.0,
			MetadataRiskCap:    50,
			SuspiciousHeaders: []string{
				"x-originating-ip", "x-remote-ip", "x-remote-addr", "x-client-ip",
				"x-cluster-client-ip", "x-forwarded-host", "x-original-url", "x-rewrite-url",
			},
			SuspiciousKeywords: []string{
				"union select", "drop table", "or 1=1", "<script", "javascript:", "onerror=",
				"../", "/etc/passwd", "cmd.exe", "/bin/sh", "exec(", "eval(", "base64_decode",
				"${jndi:", "sleep(", "xp_cmdshell",
			},
			HighRiskCountries:   []string{"KP", "IR", "SY"},
			MediumRiskCountries: []string{"RU", "CN", "BY", "VE"},
			NightStartHour:      23,
			NightEndHour:        6,
		},
		Profiles: ProfilesConfig{Capacity: 100000, HistoryLimit: 100},
		Assessment: AssessmentConfig{
			Thresholds: LevelThresholds{Critical: 95, Severe: 80, High: 60, Moderate: 40},
			BlockDurations: BlockDurations{
				Severe:   24 * time.Hour,
				High:     2 * time.Hour,
				Moderate: 30 * time.Minute,
			},
		},
		Recovery: RecoveryConfig{
			DefaultActionTimeout:  5 * time.Second,
			EscalateOnFailures:    2,
			RateLimitPolicyLimit:  10,
			RateLimitPolicyWindow: time.Minute,
			LockoutDuration:       time.Hour,
			MonitoringDuration:    24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Shards:        32,
			SweepInterval: time.Minute,
			Endpoints: map[string]EndpointLimit{
				"login": {UserLimit: 5, IPLimit: 20, Window: 15 * time.Minute, BlockDuration: 15 * time.Minute},
				"api":   {UserLimit: 100, IPLimit: 300, Window: time.Minute},
			},
		},
		AccessControl: AccessControlConfig{Enabled: false},
		Audit:         AuditConfig{MaxEntries: 10000},
		Incidents:     IncidentsConfig{StoreLimit: 1000, Retention: 30 * 24 * time.Hour},
		Notify: NotifyConfig{
			Enabled:         false,
			NATSURL:         "nats://localhost:4222",
			Subject:         "security.incidents",
			QueueSize:       256,
			Cooldown:        5 * time.Minute,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Geo:     GeoConfig{CacheSize: 4096},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:threatguard.db?_pragma=busy_timeout(5000)", QueueSize: 1024},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, ErrEmpty
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Clone returns a deep copy so callers can mutate without racing readers.
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		cp := *c
		return &cp
	}
	return out
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Scoring.FrequencyWindow <= 0 {
		cfg.Scoring.FrequencyWindow = def.Scoring.FrequencyWindow
	}
	if cfg.Scoring.FrequencyStep <= 0 {
		cfg.Scoring.FrequencyStep = def.Scoring.FrequencyStep
	}
	if cfg.Scoring.MaxFrequencyFactor < 1 {
		cfg.Scoring.MaxFrequencyFactor = def.Scoring.MaxFrequencyFactor
	}
	if cfg.Scoring.MetadataRiskCap <= 0 {
		cfg.Scoring.MetadataRiskCap = def.Scoring.MetadataRiskCap
	}
	if cfg.Profiles.Capacity <= 0 {
		cfg.Profiles.Capacity = def.Profiles.Capacity
	}
	if cfg.Profiles.HistoryLimit <= 0 {
		cfg.Profiles.HistoryLimit = def.Profiles.HistoryLimit
	}
	if cfg.Assessment.Thresholds == (LevelThresholds{}) {
		cfg.Assessment.Thresholds = def.Assessment.Thresholds
	}
	if cfg.Assessment.BlockDurations == (BlockDurations{}) {
		cfg.Assessment.BlockDurations = def.Assessment.BlockDurations
	}
	if cfg.Recovery.DefaultActionTimeout <= 0 {
		cfg.Recovery.DefaultActionTimeout = def.Recovery.DefaultActionTimeout
	}
	if cfg.Recovery.EscalateOnFailures <= 0 {
		cfg.Recovery.EscalateOnFailures = def.Recovery.EscalateOnFailures
	}
	if cfg.Recovery.RateLimitPolicyLimit <= 0 {
		cfg.Recovery.RateLimitPolicyLimit = def.Recovery.RateLimitPolicyLimit
	}
	if cfg.Recovery.RateLimitPolicyWindow <= 0 {
		cfg.Recovery.RateLimitPolicyWindow = def.Recovery.RateLimitPolicyWindow
	}
	if cfg.Recovery.LockoutDuration <= 0 {
		cfg.Recovery.LockoutDuration = def.Recovery.LockoutDuration
	}
	if cfg.Recovery.MonitoringDuration <= 0 {
		cfg.Recovery.MonitoringDuration = def.Recovery.MonitoringDuration
	}
	if cfg.RateLimit.Shards <= 0 {
		cfg.RateLimit.Shards = def.RateLimit.Shards
	}
	if cfg.RateLimit.SweepInterval <= 0 {
		cfg.RateLimit.SweepInterval = def.RateLimit.SweepInterval
	}
	if cfg.Audit.MaxEntries <= 0 {
		cfg.Audit.MaxEntries = def.Audit.MaxEntries
	}
	if cfg.Incidents.StoreLimit <= 0 {
		cfg.Incidents.StoreLimit = def.Incidents.StoreLimit
	}
	if cfg.Incidents.Retention <= 0 {
		cfg.Incidents.Retention = def.Incidents.Retention
	}
	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = def.Notify.Subject
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = def.Notify.QueueSize
	}
	if cfg.Notify.BreakerFailures == 0 {
		cfg.Notify.BreakerFailures = def.Notify.BreakerFailures
	}
	if cfg.Notify.BreakerTimeout <= 0 {
		cfg.Notify.BreakerTimeout = def.Notify.BreakerTimeout
	}
	if cfg.Geo.CacheSize <= 0 {
		cfg.Geo.CacheSize = def.Geo.CacheSize
	}
	if cfg.Storage.QueueSize <= 0 {
		cfg.Storage.QueueSize = def.Storage.QueueSize
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Syslog.Enabled && cfg.Ingest.Syslog.UDPAddr == "" && cfg.Ingest.Syslog.TCPAddr == "" {
		return errors.New("ingest.syslog.udp_addr or tcp_addr required when ingest.syslog.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	t := cfg.Assessment.Thresholds
	if !(t.Critical > t.Severe && t.Severe > t.High && t.High > t.Moderate && t.Moderate > 0) {
		return fmt.Errorf("assessment.thresholds must be strictly descending and positive: %+v", t)
	}
	if t.Critical > 100 {
		return errors.New("assessment.thresholds.critical must be <= 100")
	}
	for name, score := range cfg.Scoring.BaseScores {
		if score < 0 || score > 100 {
			return fmt.Errorf("scoring.base_scores.%s must be within [0,100]", name)
		}
	}
	if h := cfg.Scoring.NightStartHour; h < 0 || h > 23 {
		return errors.New("scoring.night_start_hour must be within [0,23]")
	}
	if h := cfg.Scoring.NightEndHour; h < 0 || h > 23 {
		return errors.New("scoring.night_end_hour must be within [0,23]")
	}
	for name, ep := range cfg.RateLimit.Endpoints {
		if ep.Window <= 0 {
			return fmt.Errorf("rate_limit.endpoints.%s.window must be > 0", name)
		}
		if ep.UserLimit < 0 || ep.IPLimit < 0 {
			return fmt.Errorf("rate_limit.endpoints.%s limits must be >= 0", name)
		}
	}
	if cfg.Notify.Enabled && cfg.Notify.NATSURL == "" {
		return errors.New("notify.nats_url required when notify.enabled is true")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver %q unsupported", cfg.Storage.Driver)
		}
	}
	return nil
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
