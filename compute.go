package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// PARALLEL TENSOR COMPUTE
// ===========================================================================
//
// Training two encoder towers on the CPU is dominated by matrix multiplies:
// Q/K/V projections, feed-forward layers, the patch embedding, and the
// final image/text projection heads. This file provides the worker-pool
// matmul those paths share, with a switch back to single-threaded
// execution for deterministic debugging and for matrices too small to
// amortize goroutine startup.
//
// ===========================================================================

// ComputeConfig controls parallelization of tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution.
	Parallel bool

	// NumWorkers is the number of worker goroutines.
	// If 0, defaults to runtime.NumCPU().
	NumWorkers int

	// MinSizeForParallel is the minimum output dimension before the
	// parallel path is taken. Small matrices lose more to goroutine
	// overhead than they gain.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for deterministic
// single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// MatMulWithConfig performs C = A @ B under an explicit compute config.
//
// Parallelization strategy: divide output rows among workers, each worker
// computing a contiguous block. Workers write to disjoint regions of the
// output, so no synchronization beyond the WaitGroup is needed.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k1 := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k1 != k2 {
		panic("tensor: incompatible dimensions for matmul")
	}
	k := k1

	out := NewTensor(m, n)

	if !cfg.shouldParallelize(m) || !cfg.shouldParallelize(n) {
		matmulRange(a, b, out, 0, m, n, k)
		return out
	}

	numWorkers := cfg.numWorkers()
	rowsPerWorker := (m + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if endRow > m {
			endRow = m
		}
		if startRow >= m {
			wg.Done()
			continue
		}

		go func(start, end int) {
			defer wg.Done()
			matmulRange(a, b, out, start, end, n, k)
		}(startRow, endRow)
	}

	wg.Wait()
	return out
}

// matmulRange computes output rows [startRow, endRow).
// Indexes the flat buffers directly; At/Set bounds checks cost too much
// in the innermost loop.
func matmulRange(a, b, out *Tensor, startRow, endRow, n, k int) {
	for i := startRow; i < endRow; i++ {
		aRow := a.data[i*k : (i+1)*k]
		outRow := out.data[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			av := aRow[kk]
			if av == 0 {
				continue
			}
			bRow := b.data[kk*n : (kk+1)*n]
			for j := 0; j < n; j++ {
				outRow[j] += av * bRow[j]
			}
		}
	}
}
