package config

// Config is the root configuration for a cfstore data node.
// yaml tags drive parsing in cmd; Default() is the development baseline.

type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	Store  StoreConfig  `yaml:"store"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// StoreConfig covers per-store sizing, file layout and compaction shape.
type StoreConfig struct {
	DataDir    string           `yaml:"data_dir"`
	Memstore   MemstoreConfig   `yaml:"memstore"`
	File       FileConfig       `yaml:"file"`
	Compaction CompactionConfig `yaml:"compaction"`
}

type MemstoreConfig struct {
	// FlushThresholdBytes is the memstore size at which the background
	// flusher snapshots and persists the active segment.
	FlushThresholdBytes int64 `yaml:"flush_threshold"`
	// FlushCheckIntervalMs is how often the flusher polls the size.
	FlushCheckIntervalMs int64 `yaml:"flush_check_interval_ms"`
}

type FileConfig struct {
	BlockSizeBytes int     `yaml:"block_size"`
	BloomFPRate    float64 `yaml:"bloom_fp_rate"`
	// Compression names the codec recorded in file metadata. The codec
	// itself is provided by the storage layer, not this engine.
	Compression string `yaml:"compression"`
}

type CompactionConfig struct {
	// MinFiles is the smallest input set a minor compaction will merge;
	// it is also the needs-compaction heuristic threshold.
	MinFiles int `yaml:"min_files"`
	// MaxFiles caps the input set of a single minor compaction.
	MaxFiles int `yaml:"max_files"`
	// Ratio bounds file size skew within a selection: a file joins the
	// input set only if its size <= Ratio * sum(sizes of newer files).
	Ratio float64 `yaml:"ratio"`
	// BlockingFiles is the file count at which further flushes should be
	// throttled by the caller and compactions get blocking priority.
	BlockingFiles int `yaml:"blocking_files"`
	// ThrottlePoint routes compactions above this total input size to the
	// large-compaction scheduler queue.
	ThrottlePoint int64 `yaml:"throttle_point"`
	// MajorIntervalMs forces a major compaction when the oldest file
	// exceeds this age. Zero disables time-based majors.
	MajorIntervalMs int64 `yaml:"major_interval_ms"`
}

// FamilyConfig is the column-family schema slice the engine needs: version
// retention and TTL. It arrives from table metadata, not the yaml file.
type FamilyConfig struct {
	Name        string
	MaxVersions int
	// TTLMs is the cell time-to-live in milliseconds. Zero or negative
	// means keep forever.
	TTLMs int64
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Store: StoreConfig{
			DataDir: "./data",
			Memstore: MemstoreConfig{
				FlushThresholdBytes:  64 * 1024 * 1024,
				FlushCheckIntervalMs: 1000,
			},
			File: FileConfig{
				BlockSizeBytes: 4096,
				BloomFPRate:    0.01,
				Compression:    "none",
			},
			Compaction: CompactionConfig{
				MinFiles:        3,
				MaxFiles:        10,
				Ratio:           1.2,
				BlockingFiles:   16,
				ThrottlePoint:   2 * 64 * 1024 * 1024,
				MajorIntervalMs: 7 * 24 * 60 * 60 * 1000,
			},
		},
	}
}

// DefaultFamily returns a family schema with unbounded retention defaults.
func DefaultFamily(name string) FamilyConfig {
	return FamilyConfig{
		Name:        name,
		MaxVersions: 3,
		TTLMs:       0,
	}
}
