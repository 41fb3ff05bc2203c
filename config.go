package hotdb

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// fileConfig is the on-disk YAML shape of the database options. Only the
// knobs worth changing without a recompile are exposed; anything omitted
// keeps its default. Pointer fields distinguish "not set" from zero values.
type fileConfig struct {
	Path                string         `yaml:"path"`
	WriteBufferSize     *int           `yaml:"write_buffer_size"`
	MaxMemtables        *int           `yaml:"max_memtables"`
	MaxLevels           *int           `yaml:"max_levels"`
	L0CompactionTrigger *int           `yaml:"l0_compaction_trigger"`
	L0StopWritesTrigger *int           `yaml:"l0_stop_writes_trigger"`
	MaxOpenFiles        *int           `yaml:"max_open_files"`
	BlockSize           *int           `yaml:"block_size"`
	BlockCacheSize      *int64         `yaml:"block_cache_size"`
	MaxManifestFileSize *int64         `yaml:"max_manifest_file_size"`
	Sync                *bool          `yaml:"sync"`
	WALSyncInterval     *time.Duration `yaml:"wal_sync_interval"`
	DisableWAL          *bool          `yaml:"disable_wal"`
	ReadOnly            *bool          `yaml:"read_only"`
	CUIDTracking        *bool          `yaml:"cuid_tracking"`
	HotScanThreshold    *int           `yaml:"hot_scan_threshold"`
}

// LoadOptions reads a YAML config file and returns Options with the file's
// settings applied over DefaultOptions. A bad config fails here rather than
// at Open; the database path may be given in the file or set afterwards.
func LoadOptions(configPath string) (*Options, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	opts := DefaultOptions()
	opts.Path = fc.Path
	if fc.WriteBufferSize != nil {
		opts.WriteBufferSize = *fc.WriteBufferSize
	}
	if fc.MaxMemtables != nil {
		opts.MaxMemtables = *fc.MaxMemtables
	}
	if fc.MaxLevels != nil {
		opts.MaxLevels = *fc.MaxLevels
	}
	if fc.L0CompactionTrigger != nil {
		opts.L0CompactionTrigger = *fc.L0CompactionTrigger
	}
	if fc.L0StopWritesTrigger != nil {
		opts.L0StopWritesTrigger = *fc.L0StopWritesTrigger
	}
	if fc.MaxOpenFiles != nil {
		opts.MaxOpenFiles = *fc.MaxOpenFiles
	}
	if fc.BlockSize != nil {
		opts.BlockSize = *fc.BlockSize
	}
	if fc.BlockCacheSize != nil {
		opts.BlockCacheSize = *fc.BlockCacheSize
	}
	if fc.MaxManifestFileSize != nil {
		opts.MaxManifestFileSize = *fc.MaxManifestFileSize
	}
	if fc.Sync != nil {
		opts.Sync = *fc.Sync
	}
	if fc.WALSyncInterval != nil {
		opts.WALSyncInterval = *fc.WALSyncInterval
	}
	if fc.DisableWAL != nil {
		opts.DisableWAL = *fc.DisableWAL
	}
	if fc.ReadOnly != nil {
		opts.ReadOnly = *fc.ReadOnly
	}
	if fc.CUIDTracking != nil {
		opts.CUIDTracking = *fc.CUIDTracking
	}
	if fc.HotScanThreshold != nil {
		opts.HotScanThreshold = *fc.HotScanThreshold
	}

	// Validate everything except the path, which the caller may fill in
	// before Open.
	probe := opts.Clone()
	if probe.Path == "" {
		probe.Path = configPath
	}
	if err := probe.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	return opts, nil
}
