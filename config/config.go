// Package config loads pipeline configuration from TOML files, following
// the same decode-into-struct convention the eth2030 command-line tools use
// for their own configuration surfaces.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// PipelineConfig configures the tunable parameters of the execution
// pipeline. Everything else about the pipeline's behavior is fixed by its
// stage contracts.
type PipelineConfig struct {
	Pipeline struct {
		// ClassificationWorkers is the fixed-size CPU pool size used for
		// parallel signature verification and sequence-number lookups.
		// The source this pipeline is modeled on found no benefit beyond
		// eight workers.
		ClassificationWorkers int `toml:"classification_workers"`

		// ClassificationBatchFloor is the minimum number of transactions
		// assigned to a single classification worker, so that small
		// blocks do not pay fan-out overhead for no benefit.
		ClassificationBatchFloor int `toml:"classification_batch_floor"`
	} `toml:"pipeline"`

	Metrics struct {
		Namespace string `toml:"namespace"`
		Addr      string `toml:"addr"`
	} `toml:"metrics"`
}

// Default returns the recommended configuration: eight classification
// workers, a batch floor of 32, and a "EXECPIPE" metrics namespace.
func Default() *PipelineConfig {
	cfg := &PipelineConfig{}
	cfg.Pipeline.ClassificationWorkers = 8
	cfg.Pipeline.ClassificationBatchFloor = 32
	cfg.Metrics.Namespace = "EXECPIPE"
	cfg.Metrics.Addr = ":9090"
	return cfg
}

// Load reads and decodes a PipelineConfig from a TOML file at path, filling
// in any zero-valued fields with the defaults.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if cfg.Pipeline.ClassificationWorkers <= 0 {
		cfg.Pipeline.ClassificationWorkers = 8
	}
	if cfg.Pipeline.ClassificationBatchFloor <= 0 {
		cfg.Pipeline.ClassificationBatchFloor = 32
	}
	return cfg, nil
}
