package tern

import (
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/terndb/tern/compression"
)

const (
	KiB = 1024
	MiB = KiB * 1024
)

// Throttle bounds for the scheduler failure backoff.
const (
	ThrottleTimeoutMin = 1 * time.Second
	ThrottleTimeoutMax = 60 * time.Second
)

// Default values.
var (
	DefaultWriteThreads     = 4
	DefaultBloomFPR         = 0.05
	DefaultPageSize         = int64(8 * KiB)
	DefaultRunCountPerLevel = 2
	DefaultRangeSplitCount  = int64(100000)
	DefaultCompression      = compression.S2
)

// Options holds configuration for the scheduler and the per-LSM
// defaults.
type Options struct {
	// Dir is where run files and the metadata log live.
	Dir string `yaml:"dir"`

	// WriteThreads is the total worker thread budget. A quarter
	// (at least one) goes to the dump pool, the rest to compaction.
	// Must be greater than 1.
	WriteThreads int `yaml:"write_threads"`

	// BloomFPR is the default bloom filter false-positive rate for
	// new runs. Tunable per LSM tree.
	BloomFPR float64 `yaml:"bloom_fpr"`

	// PageSize is the default uncompressed page size of run files.
	PageSize int64 `yaml:"page_size"`

	// RunCountPerLevel bounds how many runs may pile up in one
	// level of a range before compaction of that level pays off.
	RunCountPerLevel int `yaml:"run_count_per_level"`

	// RangeSplitCount is the statement count above which a range is
	// considered for splitting. Half of it is the coalesce bound.
	RangeSplitCount int64 `yaml:"range_split_count"`

	// Compression selects the run page codec.
	Compression compression.Type `yaml:"compression"`

	// Structured logger
	Logger *slog.Logger `yaml:"-"`
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		WriteThreads:     DefaultWriteThreads,
		BloomFPR:         DefaultBloomFPR,
		PageSize:         DefaultPageSize,
		RunCountPerLevel: DefaultRunCountPerLevel,
		RangeSplitCount:  DefaultRangeSplitCount,
		Compression:      DefaultCompression,
		Logger:           DefaultLogger(),
	}
}

// LoadOptions reads YAML configuration from path on top of the
// defaults.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate checks if the options are valid and returns an error if not.
func (o *Options) Validate() error {
	if o.Dir == "" {
		return ErrInvalidDir
	}
	if o.WriteThreads <= 1 {
		return ErrInvalidWriteThreads
	}
	if o.BloomFPR <= 0 || o.BloomFPR >= 1 {
		return ErrInvalidBloomFPR
	}
	if o.PageSize <= 0 {
		return ErrInvalidPageSize
	}
	if o.RunCountPerLevel <= 0 {
		return ErrInvalidRunCountPerLevel
	}
	return nil
}

// Clone creates a copy of the options.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

// Helpful Logger functions
func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
