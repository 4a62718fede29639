package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scan types accepted on the command line and in config.
const (
	ScanTypeLite = "lite"
	ScanTypeFull = "full"
)

// Detector backends.
const (
	BackendONNX  = "onnx"
	BackendRegex = "regex"
)

// DefaultLiteScanLimit is the raw byte budget of a lite scan (1 MiB).
const DefaultLiteScanLimit = 1024 * 1024

// DefaultMinConfidence is the entity score below which model predictions
// are dropped.
const DefaultMinConfidence = 0.5

// Config holds all configuration loaded from config.yaml. It is read once at
// start-up and treated as immutable for the lifetime of a run.
type Config struct {
	DBPath         string         `yaml:"db_path"          json:"-"`
	LogLevel       string         `yaml:"log_level"        json:"-"`
	LogFile        string         `yaml:"log_file"         json:"-"`
	ScanType       string         `yaml:"scan_type"        json:"scan_type"`
	MaxChunkLength int            `yaml:"max_chunk_length" json:"max_chunk_length"`
	LiteScanLimit  int64          `yaml:"lite_scan_limit"  json:"lite_scan_limit"`
	Walkers        int            `yaml:"walkers"          json:"walkers"`
	ExcludePaths   []string       `yaml:"exclude_paths"    json:"exclude_paths"`
	Detector       DetectorConfig `yaml:"detector"         json:"detector"`
	Labels         LabelsConfig   `yaml:"labels"           json:"labels"`
	Serve          ServeConfig    `yaml:"serve"            json:"serve"`
}

// DetectorConfig selects and tunes the entity-recognition backend.
type DetectorConfig struct {
	Backend       string            `yaml:"backend"        json:"backend"`
	ModelDir      string            `yaml:"model_dir"      json:"model_dir"`
	TokenizerDir  string            `yaml:"tokenizer_dir"  json:"tokenizer_dir"`
	SeqLen        int               `yaml:"seq_len"        json:"seq_len"`
	Workers       int               `yaml:"workers"        json:"workers"`
	IntraThreads  int               `yaml:"intra_threads"  json:"intra_threads"`
	Timeout       time.Duration     `yaml:"timeout"        json:"timeout"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"  json:"retry_backoff"`
	MinConfidence float64           `yaml:"min_confidence" json:"min_confidence"`
	LabelAliases  map[string]string `yaml:"label_aliases"  json:"label_aliases"`
}

// LabelsConfig holds the two PII label vocabularies.
type LabelsConfig struct {
	Basic    []string `yaml:"basic"    json:"basic"`
	Extended []string `yaml:"extended" json:"extended"`
}

// ServeConfig holds knobs used only by `piiscan serve`.
type ServeConfig struct {
	HTTPAddr   string   `yaml:"http_addr"   json:"-"`
	ScanPaths  []string `yaml:"scan_paths"  json:"scan_paths"`
	Schedule   string   `yaml:"schedule"    json:"schedule"`
	ScanPaused bool     `yaml:"scan_paused" json:"scan_paused"`
}

// DefaultBasicLabels is the lite-scan vocabulary.
var DefaultBasicLabels = []string{
	"person", "email", "phone number", "Social Security Number", "credit card number",
}

// DefaultExtendedLabels is the full-scan vocabulary; always a superset of
// DefaultBasicLabels.
var DefaultExtendedLabels = []string{
	"person", "email", "phone number", "Social Security Number", "credit card number",
	"address", "passport number", "driver licence", "company",
	"date of birth", "bank account number", "ip address",
}

// defaultLabelAliases maps common token-classification tags to the PII
// vocabulary above.
var defaultLabelAliases = map[string]string{
	"PER":        "person",
	"PERSON":     "person",
	"EMAIL":      "email",
	"PHONE":      "phone number",
	"TELEPHONE":  "phone number",
	"SSN":        "Social Security Number",
	"CREDITCARD": "credit card number",
	"CARD":       "credit card number",
	"LOC":        "address",
	"ADDRESS":    "address",
	"PASSPORT":   "passport number",
	"DRIVERLIC":  "driver licence",
	"ORG":        "company",
	"DOB":        "date of birth",
	"IBAN":       "bank account number",
	"ACCOUNT":    "bank account number",
	"IP":         "ip address",
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "pii_scan_history.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ScanType == "" {
		c.ScanType = ScanTypeFull
	}
	if c.MaxChunkLength == 0 {
		c.MaxChunkLength = 400
	}
	if c.LiteScanLimit == 0 {
		c.LiteScanLimit = DefaultLiteScanLimit
	}
	if c.Walkers == 0 {
		c.Walkers = 4
	}
	if c.Detector.Backend == "" {
		c.Detector.Backend = BackendONNX
	}
	if c.Detector.ModelDir == "" {
		c.Detector.ModelDir = "models/pii-ner"
	}
	if c.Detector.TokenizerDir == "" {
		c.Detector.TokenizerDir = c.Detector.ModelDir
	}
	if c.Detector.SeqLen == 0 {
		c.Detector.SeqLen = 512
	}
	if c.Detector.Workers == 0 {
		c.Detector.Workers = 1
	}
	if c.Detector.IntraThreads == 0 {
		c.Detector.IntraThreads = 2
	}
	if c.Detector.RetryBackoff == 0 {
		c.Detector.RetryBackoff = 250 * time.Millisecond
	}
	if c.Detector.LabelAliases == nil {
		c.Detector.LabelAliases = make(map[string]string, len(defaultLabelAliases))
		for k, v := range defaultLabelAliases {
			c.Detector.LabelAliases[k] = v
		}
	}
	if len(c.Labels.Basic) == 0 {
		c.Labels.Basic = append([]string(nil), DefaultBasicLabels...)
	}
	if len(c.Labels.Extended) == 0 {
		c.Labels.Extended = append([]string(nil), DefaultExtendedLabels...)
	}
	if c.Serve.HTTPAddr == "" {
		c.Serve.HTTPAddr = ":8080"
	}
	if c.Serve.Schedule == "" {
		c.Serve.Schedule = "0 2 * * *"
	}
}

// applyEnv overlays the environment variables honoured by earlier releases
// of the scanner. Malformed numeric values are reported as errors.
func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("DB_FILE"); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := os.LookupEnv("PII_MODEL_NAME"); ok && v != "" {
		c.Detector.ModelDir = v
	}
	if v, ok := os.LookupEnv("MODEL_NAME"); ok && v != "" {
		c.Detector.TokenizerDir = v
	}
	if v, ok := os.LookupEnv("MAX_CHUNK_LENGTH"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_CHUNK_LENGTH %q: %w", v, err)
		}
		c.MaxChunkLength = n
	}
	return nil
}

// Load reads and parses the YAML config file at path, then applies
// environment overrides and defaults.
// If the file does not exist, Load returns a default Config so the scanner
// can run without a config file next to it.
func Load(path string) (*Config, error) {
	// Zero is a valid threshold, so this default is seeded before decoding
	// instead of being filled in afterwards.
	cfg := Config{Detector: DetectorConfig{MinConfidence: DefaultMinConfidence}}

	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("open config %q: %w", path, err)
	default:
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if !ValidScanType(c.ScanType) {
		return fmt.Errorf("scan_type %q: must be %q or %q", c.ScanType, ScanTypeLite, ScanTypeFull)
	}
	if c.MaxChunkLength <= 0 {
		return fmt.Errorf("max_chunk_length must be positive, got %d", c.MaxChunkLength)
	}
	if c.LiteScanLimit <= 0 {
		return fmt.Errorf("lite_scan_limit must be positive, got %d", c.LiteScanLimit)
	}
	switch c.Detector.Backend {
	case BackendONNX:
		// [CLS] and [SEP] take two positions of the model window.
		if c.MaxChunkLength > c.Detector.SeqLen-2 {
			return fmt.Errorf("max_chunk_length %d exceeds detector.seq_len %d minus special tokens",
				c.MaxChunkLength, c.Detector.SeqLen)
		}
	case BackendRegex:
	default:
		return fmt.Errorf("detector.backend %q: must be %q or %q", c.Detector.Backend, BackendONNX, BackendRegex)
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		return fmt.Errorf("detector.min_confidence must be within [0, 1], got %g", c.Detector.MinConfidence)
	}
	if c.Detector.Workers < 1 {
		return fmt.Errorf("detector.workers must be at least 1, got %d", c.Detector.Workers)
	}
	if missing := missingLabels(c.Labels.Basic, c.Labels.Extended); len(missing) > 0 {
		return fmt.Errorf("labels.extended must contain every basic label; missing %s",
			strings.Join(missing, ", "))
	}
	return nil
}

// LabelsFor returns the label vocabulary for a scan type.
func (c *Config) LabelsFor(scanType string) []string {
	if scanType == ScanTypeLite {
		return c.Labels.Basic
	}
	return c.Labels.Extended
}

// ValidScanType reports whether s names a scan mode.
func ValidScanType(s string) bool {
	return s == ScanTypeLite || s == ScanTypeFull
}

func missingLabels(basic, extended []string) []string {
	have := make(map[string]struct{}, len(extended))
	for _, l := range extended {
		have[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}
	var missing []string
	for _, l := range basic {
		if _, ok := have[strings.ToLower(strings.TrimSpace(l))]; !ok {
			missing = append(missing, l)
		}
	}
	return missing
}
