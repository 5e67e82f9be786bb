package queue

// Defaults applied to zero-valued Config fields.
const (
	DefaultMaxConcurrentUploads = 3
	DefaultChunkSizeMB          = 20
	DefaultLargeFileThresholdMB = 100
)

// Config controls admission and transfer strategy for one collection's queue.
type Config struct {
	Enabled              bool `json:"enabled" yaml:"enabled"`
	MaxConcurrentUploads int  `json:"maxConcurrentUploads" yaml:"maxConcurrentUploads"`
	ChunkSizeMB          int  `json:"chunkSize" yaml:"chunkSize"`
	EnableChunkedUploads bool `json:"enableChunkedUploads" yaml:"enableChunkedUploads"`
	LargeFileThresholdMB int  `json:"largeFileThreshold" yaml:"largeFileThreshold"`
}

// DefaultConfig returns the configuration used when a collection supplies none.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentUploads: DefaultMaxConcurrentUploads,
		ChunkSizeMB:          DefaultChunkSizeMB,
		EnableChunkedUploads: true,
		LargeFileThresholdMB: DefaultLargeFileThresholdMB,
	}
}

// WithDefaults fills zero numeric fields. Boolean fields are taken as given.
func (c Config) WithDefaults() Config {
	if c.MaxConcurrentUploads <= 0 {
		c.MaxConcurrentUploads = DefaultMaxConcurrentUploads
	}
	if c.ChunkSizeMB <= 0 {
		c.ChunkSizeMB = DefaultChunkSizeMB
	}
	if c.LargeFileThresholdMB <= 0 {
		c.LargeFileThresholdMB = DefaultLargeFileThresholdMB
	}
	return c
}

// Strategy is the transfer path chosen for a task.
type Strategy string

const (
	StrategyDirect  Strategy = "direct"
	StrategyChunked Strategy = "chunked"
)

// ChooseStrategy picks the chunked path iff size exceeds the threshold and
// chunking is enabled.
func ChooseStrategy(cfg Config, size int64) Strategy {
	cfg = cfg.WithDefaults()
	if cfg.EnableChunkedUploads && size > int64(cfg.LargeFileThresholdMB)<<20 {
		return StrategyChunked
	}
	return StrategyDirect
}

// ChunkSize returns the chunk size in bytes.
func ChunkSize(cfg Config) int64 {
	return int64(cfg.WithDefaults().ChunkSizeMB) << 20
}
