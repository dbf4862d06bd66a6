package benchmark

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/intellect4all/hamdb/engine"
)

// WorkloadType defines the access pattern
type WorkloadType string

const (
	WorkloadWriteHeavy WorkloadType = "write-heavy" // 95% writes
	WorkloadReadHeavy  WorkloadType = "read-heavy"  // 95% reads
	WorkloadBalanced   WorkloadType = "balanced"    // 50/50
	WorkloadReadOnly   WorkloadType = "read-only"   // 100% reads
	WorkloadWriteOnly  WorkloadType = "write-only"  // 100% writes
)

// Config defines a benchmark scenario
type Config struct {
	Name string

	WorkloadType    WorkloadType
	KeyDistribution KeyDistribution

	NumKeys   int // Total unique keys in dataset
	KeySize   int // Bytes
	ValueSize int // Bytes

	Duration    time.Duration // How long to run
	PreloadKeys int           // Keys to load before the benchmark starts

	Seed int64
}

// Result summarizes one benchmark run
type Result struct {
	Config Config

	TotalOps  int64
	WriteOps  int64
	ReadOps   int64
	Duration  time.Duration
	OpsPerSec float64

	WriteLatency LatencyStats
	ReadLatency  LatencyStats
}

func (c *Config) writeRatio() float64 {
	switch c.WorkloadType {
	case WorkloadWriteHeavy:
		return 0.95
	case WorkloadReadHeavy:
		return 0.05
	case WorkloadBalanced:
		return 0.5
	case WorkloadWriteOnly:
		return 1.0
	case WorkloadReadOnly:
		return 0.0
	default:
		return 0.5
	}
}

// Run drives the workload against one database.
func Run(db *engine.Database, config Config) (*Result, error) {
	keygen := NewKeyGenerator(config.NumKeys, config.KeySize, config.KeyDistribution, config.Seed)
	rng := rand.New(rand.NewSource(config.Seed))
	value := make([]byte, config.ValueSize)
	rng.Read(value)

	for i := 0; i < config.PreloadKeys; i++ {
		key := engine.Key{Data: keygen.GenerateSequential(i)}
		rec := engine.Record{Data: value}
		if err := db.Insert(nil, &key, &rec, engine.OpOverwrite); err != nil {
			return nil, fmt.Errorf("preload failed: %w", err)
		}
	}

	result := &Result{Config: config}
	writeLat := NewLatencyHistogram()
	readLat := NewLatencyHistogram()
	writeRatio := config.writeRatio()

	start := time.Now()
	for time.Since(start) < config.Duration {
		key := engine.Key{Data: keygen.NextKey()}
		opStart := time.Now()

		if rng.Float64() < writeRatio {
			rec := engine.Record{Data: value}
			if err := db.Insert(nil, &key, &rec, engine.OpOverwrite); err != nil {
				return nil, err
			}
			writeLat.Record(time.Since(opStart))
			result.WriteOps++
		} else {
			var rec engine.Record
			// misses count as reads, the key space is sparse early on
			_ = db.Find(nil, &key, &rec, 0)
			readLat.Record(time.Since(opStart))
			result.ReadOps++
		}
		result.TotalOps++
	}

	result.Duration = time.Since(start)
	result.OpsPerSec = float64(result.TotalOps) / result.Duration.Seconds()
	result.WriteLatency = writeLat.Stats()
	result.ReadLatency = readLat.Stats()
	return result, nil
}

// Report renders a result for the terminal.
func (r *Result) Report() string {
	s := fmt.Sprintf("%s: %d ops in %v (%.0f ops/sec)\n",
		r.Config.Name, r.TotalOps, r.Duration.Round(time.Millisecond), r.OpsPerSec)
	if r.WriteOps > 0 {
		s += fmt.Sprintf("  writes: %d  p50=%v p95=%v p99=%v\n",
			r.WriteOps, r.WriteLatency.P50, r.WriteLatency.P95, r.WriteLatency.P99)
	}
	if r.ReadOps > 0 {
		s += fmt.Sprintf("  reads:  %d  p50=%v p95=%v p99=%v\n",
			r.ReadOps, r.ReadLatency.P50, r.ReadLatency.P95, r.ReadLatency.P99)
	}
	return s
}
