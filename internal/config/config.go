package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taniwha3/trackwatch/internal/models"
)

// ConfigError reports an invalid configuration field
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config represents the application configuration
type Config struct {
	Device     DeviceConfig               `yaml:"device"`
	Site       SiteConfig                 `yaml:"site"`
	Monitor    MonitorConfig              `yaml:"monitor"`
	Evaluator  EvaluatorConfig            `yaml:"evaluator"`
	Thresholds map[string]ThresholdConfig `yaml:"thresholds"`
	Source     SourceConfig               `yaml:"source"`
	Storage    StorageConfig              `yaml:"storage"`
	Notify     NotifyConfig               `yaml:"notify"`
	Server     ServerConfig               `yaml:"server"`
	Logging    LoggingConfig              `yaml:"logging"`
}

// DeviceConfig contains device identification
type DeviceConfig struct {
	ID string `yaml:"id"`
}

// DefaultStations is the stock line/station directory
func DefaultStations() map[string][]string {
	return map[string][]string{
		"Blue Line":   {"Dwarka", "Rajiv Chowk", "Noida City Centre"},
		"Yellow Line": {"Samaypur Badli", "Kashmere Gate", "HUDA City Centre"},
		"Red Line":    {"Rithala", "Kashmere Gate", "Dilshad Garden"},
	}
}

// SiteConfig selects the metro line and station being monitored
type SiteConfig struct {
	Line     string              `yaml:"line"`
	Station  string              `yaml:"station"`
	Stations map[string][]string `yaml:"stations"`
}

// Directory returns the configured stations or the default directory
func (s *SiteConfig) Directory() map[string][]string {
	if len(s.Stations) == 0 {
		return DefaultStations()
	}
	return s.Stations
}

// Location returns the selected line and station, defaulting to the first
// station on the Blue Line
func (s *SiteConfig) Location() (string, string) {
	line, station := s.Line, s.Station
	if line == "" {
		line = "Blue Line"
	}
	if station == "" {
		if stations := s.Directory()[line]; len(stations) > 0 {
			station = stations[0]
		}
	}
	return line, station
}

// HasStation reports whether station is listed under line
func (s *SiteConfig) HasStation(line, station string) bool {
	for _, st := range s.Directory()[line] {
		if st == station {
			return true
		}
	}
	return false
}

// MonitorConfig contains tick loop settings
type MonitorConfig struct {
	IntervalStr       string `yaml:"interval"`
	MinIntervalStr    string `yaml:"min_interval"`
	MaxIntervalStr    string `yaml:"max_interval"`
	StartActive       *bool  `yaml:"start_active"` // Pointer to distinguish "not set" from "explicitly false"
	HistoryCapacity   int    `yaml:"history_capacity"`
	AlertDisplayLimit int    `yaml:"alert_display_limit"`
}

// Interval returns the tick interval (default: 1s)
func (m *MonitorConfig) Interval() (time.Duration, error) {
	return positiveDuration("monitor.interval", m.IntervalStr, time.Second)
}

// MinInterval returns the lower bound for runtime interval changes (default: 1s)
func (m *MonitorConfig) MinInterval() (time.Duration, error) {
	return positiveDuration("monitor.min_interval", m.MinIntervalStr, time.Second)
}

// MaxInterval returns the upper bound for runtime interval changes (default: 10s)
func (m *MonitorConfig) MaxInterval() (time.Duration, error) {
	return positiveDuration("monitor.max_interval", m.MaxIntervalStr, 10*time.Second)
}

// Active reports whether monitoring starts active (default: true)
func (m *MonitorConfig) Active() bool {
	if m.StartActive == nil {
		return true
	}
	return *m.StartActive
}

// GetHistoryCapacity returns the reading buffer capacity (default: 100)
func (m *MonitorConfig) GetHistoryCapacity() int {
	if m.HistoryCapacity <= 0 {
		return 100
	}
	return m.HistoryCapacity
}

// GetAlertDisplayLimit returns how many alerts are shown by default (default: 10)
func (m *MonitorConfig) GetAlertDisplayLimit() int {
	if m.AlertDisplayLimit <= 0 {
		return 10
	}
	return m.AlertDisplayLimit
}

// Out-of-range policies
const (
	OutOfRangePass   = "pass"
	OutOfRangeClamp  = "clamp"
	OutOfRangeReject = "reject"
)

// Goodness modes
const (
	GoodnessRange    = "range"
	GoodnessFraction = "fraction"
	GoodnessTarget   = "target"
)

// EvaluatorConfig contains scoring settings
type EvaluatorConfig struct {
	OutOfRange string                    `yaml:"out_of_range"` // pass, clamp, reject (default: pass)
	Weights    map[string]float64        `yaml:"weights"`
	Goodness   map[string]GoodnessConfig `yaml:"goodness"`
}

// GoodnessConfig overrides the goodness curve for one metric
type GoodnessConfig struct {
	Mode   string  `yaml:"mode"`
	Target float64 `yaml:"target"`
	Span   float64 `yaml:"span"`
}

// Policy returns the out-of-range policy (default: pass)
func (e *EvaluatorConfig) Policy() string {
	if e.OutOfRange == "" {
		return OutOfRangePass
	}
	return e.OutOfRange
}

// DefaultWeights returns the stock score weights
func DefaultWeights() map[models.MetricKind]float64 {
	return map[models.MetricKind]float64{
		models.Acoustic:    0.30,
		models.Vibration:   0.30,
		models.Temperature: 0.20,
		models.Humidity:    0.20,
	}
}

// WeightSet returns the score weights, falling back to the defaults when none
// are configured. A configured set must name every metric.
func (e *EvaluatorConfig) WeightSet() (map[models.MetricKind]float64, error) {
	if len(e.Weights) == 0 {
		return DefaultWeights(), nil
	}

	out := make(map[models.MetricKind]float64, len(models.AllKinds))
	for name, w := range e.Weights {
		k, err := models.ParseMetricKind(name)
		if err != nil {
			return nil, configErr("evaluator.weights", "%v", err)
		}
		if w < 0 || math.IsNaN(w) {
			return nil, configErr("evaluator.weights."+name, "must be non-negative, got %v", w)
		}
		out[k] = w
	}

	sum := 0.0
	for _, k := range models.AllKinds {
		w, ok := out[k]
		if !ok {
			return nil, configErr("evaluator.weights", "missing weight for %s", k)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		return nil, configErr("evaluator.weights", "must sum to 1, got %v", sum)
	}
	return out, nil
}

// DefaultGoodness returns the stock goodness curves
func DefaultGoodness() map[models.MetricKind]GoodnessConfig {
	return map[models.MetricKind]GoodnessConfig{
		models.Acoustic:    {Mode: GoodnessRange},
		models.Vibration:   {Mode: GoodnessFraction},
		models.Temperature: {Mode: GoodnessTarget, Target: 25, Span: 15},
		models.Humidity:    {Mode: GoodnessTarget, Target: 60, Span: 40},
	}
}

// GoodnessSet returns the goodness curve for every metric, with configured
// entries replacing the defaults per metric
func (e *EvaluatorConfig) GoodnessSet() (map[models.MetricKind]GoodnessConfig, error) {
	out := DefaultGoodness()
	for name, g := range e.Goodness {
		k, err := models.ParseMetricKind(name)
		if err != nil {
			return nil, configErr("evaluator.goodness", "%v", err)
		}
		field := "evaluator.goodness." + name
		switch g.Mode {
		case GoodnessRange, GoodnessFraction:
		case GoodnessTarget:
			if g.Span <= 0 {
				return nil, configErr(field+".span", "must be positive, got %v", g.Span)
			}
		default:
			return nil, configErr(field+".mode", "unknown mode %q", g.Mode)
		}
		out[k] = g
	}
	return out, nil
}

// ThresholdConfig overrides some or all of a metric's thresholds.
// Unset fields keep their default values.
type ThresholdConfig struct {
	Min     *float64 `yaml:"min"`
	Max     *float64 `yaml:"max"`
	Warning *float64 `yaml:"warning"`
	Danger  *float64 `yaml:"danger"`
	Unit    string   `yaml:"unit"`
}

// ThresholdSet merges configured thresholds over the defaults and validates the result
func (c *Config) ThresholdSet() (models.Thresholds, error) {
	out := models.DefaultThresholds()
	for name, tc := range c.Thresholds {
		k, err := models.ParseMetricKind(name)
		if err != nil {
			return nil, configErr("thresholds", "%v", err)
		}
		spec := out[k]
		if tc.Min != nil {
			spec.Min = *tc.Min
		}
		if tc.Max != nil {
			spec.Max = *tc.Max
		}
		if tc.Warning != nil {
			spec.Warning = *tc.Warning
		}
		if tc.Danger != nil {
			spec.Danger = *tc.Danger
		}
		if tc.Unit != "" {
			spec.Unit = tc.Unit
		}
		if err := spec.Validate(); err != nil {
			return nil, configErr("thresholds."+name, "%v", err)
		}
		out[k] = spec
	}
	return out, nil
}

// Source kinds
const (
	SourceSimulated = "simulated"
	SourceReplay    = "replay"
	SourceMQTT      = "mqtt"
)

// SourceConfig selects where readings come from
type SourceConfig struct {
	Kind       string     `yaml:"kind"` // simulated, replay, mqtt (default: simulated)
	Seed       int64      `yaml:"seed"` // 0 seeds from the clock
	ReplayLoop bool       `yaml:"replay_loop"`
	MQTT       MQTTConfig `yaml:"mqtt"`
}

// GetKind returns the source kind or default
func (s *SourceConfig) GetKind() string {
	if s.Kind == "" {
		return SourceSimulated
	}
	return s.Kind
}

// MQTTConfig contains broker connection settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"` // Only read by notify.mqtt
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
	Buffer   int    `yaml:"buffer"` // Pending reading buffer (default: 64)
}

// GetBuffer returns the pending buffer size or default
func (m *MQTTConfig) GetBuffer() int {
	if m.Buffer <= 0 {
		return 64
	}
	return m.Buffer
}

// StorageConfig contains local storage settings
type StorageConfig struct {
	Enabled                   bool   `yaml:"enabled"`
	Path                      string `yaml:"path"`
	RetentionStr              string `yaml:"retention"`                // How long ticks are kept (default: 168h)
	RetentionCheckIntervalStr string `yaml:"retention_check_interval"` // How often old ticks are pruned (default: 1h)
	WALCheckpointIntervalStr  string `yaml:"wal_checkpoint_interval"`  // How often to checkpoint WAL (default: 1h)
	WALCheckpointSizeMB       int    `yaml:"wal_checkpoint_size_mb"`   // Checkpoint when WAL exceeds this size (default: 64)
}

// Retention parses the retention string to time.Duration
// Returns default of 7 days if not configured
func (s *StorageConfig) Retention() (time.Duration, error) {
	return positiveDuration("storage.retention", s.RetentionStr, 168*time.Hour)
}

// RetentionCheckInterval parses the pruning interval string to time.Duration
// Returns default of 1 hour if not configured
func (s *StorageConfig) RetentionCheckInterval() (time.Duration, error) {
	return positiveDuration("storage.retention_check_interval", s.RetentionCheckIntervalStr, time.Hour)
}

// WALCheckpointInterval parses the checkpoint interval string to time.Duration
// Returns default of 1 hour if not configured
func (s *StorageConfig) WALCheckpointInterval() (time.Duration, error) {
	return positiveDuration("storage.wal_checkpoint_interval", s.WALCheckpointIntervalStr, time.Hour)
}

// WALCheckpointSizeBytes returns the checkpoint size threshold in bytes
// Returns default of 64 MB if not configured
func (s *StorageConfig) WALCheckpointSizeBytes() int64 {
	if s.WALCheckpointSizeMB <= 0 {
		return 64 * 1024 * 1024
	}
	return int64(s.WALCheckpointSizeMB) * 1024 * 1024
}

// NotifyConfig contains alert delivery settings
type NotifyConfig struct {
	MQTT      MQTTConfig  `yaml:"mqtt"`
	SNS       SNSConfig   `yaml:"sns"`
	Retry     RetryConfig `yaml:"retry"`
	QueueSize int         `yaml:"queue_size"`
}

// Enabled reports whether any notifier is configured
func (n *NotifyConfig) Enabled() bool {
	return n.MQTT.Enabled || n.SNS.Enabled
}

// GetQueueSize returns the dispatcher queue size or default
func (n *NotifyConfig) GetQueueSize() int {
	if n.QueueSize <= 0 {
		return 64
	}
	return n.QueueSize
}

// SNSConfig contains AWS SNS settings
type SNSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Region      string `yaml:"region"`
	TopicARN    string `yaml:"topic_arn"`
	MinSeverity string `yaml:"min_severity"` // warning, critical (default: critical)
}

// Severity returns the minimum severity forwarded to SNS
func (s *SNSConfig) Severity() (models.Severity, error) {
	if s.MinSeverity == "" {
		return models.SeverityCritical, nil
	}
	sev, err := models.ParseSeverity(s.MinSeverity)
	if err != nil {
		return "", configErr("notify.sns.min_severity", "%v", err)
	}
	return sev, nil
}

// RetryConfig contains retry settings for alert delivery
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoffStr string  `yaml:"initial_backoff"`
	MaxBackoffStr     string  `yaml:"max_backoff"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterPercent     *int    `yaml:"jitter_percent"` // Pointer to distinguish "not set" from "explicitly 0"
}

// GetMaxAttempts returns the retry count or default of 3
func (r *RetryConfig) GetMaxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 3
	}
	return r.MaxAttempts
}

// InitialBackoff parses the initial backoff string to time.Duration
// Returns default of 1s if not configured
func (r *RetryConfig) InitialBackoff() (time.Duration, error) {
	return positiveDuration("notify.retry.initial_backoff", r.InitialBackoffStr, time.Second)
}

// MaxBackoff parses the max backoff string to time.Duration
// Returns default of 30s if not configured
func (r *RetryConfig) MaxBackoff() (time.Duration, error) {
	return positiveDuration("notify.retry.max_backoff", r.MaxBackoffStr, 30*time.Second)
}

// GetBackoffMultiplier returns the multiplier or default of 2
func (r *RetryConfig) GetBackoffMultiplier() float64 {
	if r.BackoffMultiplier == 0 {
		return 2.0
	}
	return r.BackoffMultiplier
}

// GetJitterPercent returns the jitter percentage or default of 20
func (r *RetryConfig) GetJitterPercent() int {
	if r.JitterPercent == nil {
		return 20
	}
	return *r.JitterPercent
}

// ServerConfig contains the HTTP listener settings
type ServerConfig struct {
	Address string `yaml:"address"`
}

// GetAddress returns the listen address or default
func (s *ServerConfig) GetAddress() string {
	if s.Address == "" {
		return ":8080"
	}
	return s.Address
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json, console (default: console)
}

// positiveDuration parses raw, returning def when empty.
// Non-positive values are rejected since they panic in time.NewTicker.
func positiveDuration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, configErr(field, "invalid duration '%s': %v", raw, err)
	}
	if d <= 0 {
		return 0, configErr(field, "must be positive, got %v", d)
	}
	return d, nil
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid.
// The returned error is always a *ConfigError.
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return configErr("device.id", "is required")
	}

	line, station := c.Site.Location()
	if !c.Site.HasStation(line, station) {
		return configErr("site.station", "%q is not a station on %q", station, line)
	}

	interval, err := c.Monitor.Interval()
	if err != nil {
		return err
	}
	minInterval, err := c.Monitor.MinInterval()
	if err != nil {
		return err
	}
	maxInterval, err := c.Monitor.MaxInterval()
	if err != nil {
		return err
	}
	if minInterval > maxInterval {
		return configErr("monitor.min_interval", "%v exceeds max_interval %v", minInterval, maxInterval)
	}
	if interval < minInterval || interval > maxInterval {
		return configErr("monitor.interval", "%v outside [%v, %v]", interval, minInterval, maxInterval)
	}

	switch c.Evaluator.Policy() {
	case OutOfRangePass, OutOfRangeClamp, OutOfRangeReject:
	default:
		return configErr("evaluator.out_of_range", "unknown policy %q", c.Evaluator.OutOfRange)
	}
	if _, err := c.Evaluator.WeightSet(); err != nil {
		return err
	}
	if _, err := c.Evaluator.GoodnessSet(); err != nil {
		return err
	}
	if _, err := c.ThresholdSet(); err != nil {
		return err
	}

	switch c.Source.GetKind() {
	case SourceSimulated:
	case SourceReplay:
		if !c.Storage.Enabled {
			return configErr("source.kind", "replay requires storage.enabled")
		}
	case SourceMQTT:
		if c.Source.MQTT.Broker == "" {
			return configErr("source.mqtt.broker", "is required for the mqtt source")
		}
		if c.Source.MQTT.Topic == "" {
			return configErr("source.mqtt.topic", "is required for the mqtt source")
		}
	default:
		return configErr("source.kind", "unknown source %q", c.Source.Kind)
	}

	if c.Storage.Enabled && c.Storage.Path == "" {
		return configErr("storage.path", "is required when storage is enabled")
	}
	// Always validate timing values so callers can use them before checking Enabled
	if _, err := c.Storage.Retention(); err != nil {
		return err
	}
	if _, err := c.Storage.RetentionCheckInterval(); err != nil {
		return err
	}
	if _, err := c.Storage.WALCheckpointInterval(); err != nil {
		return err
	}

	if c.Notify.MQTT.Enabled {
		if c.Notify.MQTT.Broker == "" {
			return configErr("notify.mqtt.broker", "is required when mqtt notifications are enabled")
		}
		if c.Notify.MQTT.Topic == "" {
			return configErr("notify.mqtt.topic", "is required when mqtt notifications are enabled")
		}
	}
	if c.Notify.SNS.Enabled && c.Notify.SNS.TopicARN == "" {
		return configErr("notify.sns.topic_arn", "is required when sns notifications are enabled")
	}
	if _, err := c.Notify.SNS.Severity(); err != nil {
		return err
	}
	if _, err := c.Notify.Retry.InitialBackoff(); err != nil {
		return err
	}
	if _, err := c.Notify.Retry.MaxBackoff(); err != nil {
		return err
	}
	// Multipliers below 1 shrink the delay and hammer the endpoint
	if c.Notify.Retry.BackoffMultiplier != 0 && c.Notify.Retry.BackoffMultiplier < 1.0 {
		return configErr("notify.retry.backoff_multiplier", "must be >= 1.0, got %v", c.Notify.Retry.BackoffMultiplier)
	}
	if j := c.Notify.Retry.GetJitterPercent(); j < 0 || j > 100 {
		return configErr("notify.retry.jitter_percent", "must be within [0, 100], got %d", j)
	}

	return nil
}
