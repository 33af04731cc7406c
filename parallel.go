package sealfs

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ParallelConfig controls parallel node sealing during flush
type ParallelConfig struct {
	// Enabled enables parallel sealing
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinNodesForParallel is the minimum number of dirty nodes in one tree
	// level for parallel sealing to be used. Defaults to 4.
	MinNodesForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinNodesForParallel < 0 {
		return errors.New("parallel min nodes threshold cannot be negative")
	}
	if p.MinNodesForParallel > 1000 {
		return errors.New("parallel min nodes threshold must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:             true,
		MaxWorkers:          runtime.NumCPU(),
		MinNodesForParallel: 4,
	}
}

// sealJob is one node to seal during a flush
type sealJob struct {
	binding nodeBinding
	payload []byte

	record []byte
	tag    Tag
}

// sealNodes seals every job, in parallel when configured and worthwhile.
// Nodes of one tree level never depend on each other, so callers pass one
// level at a time.
func sealNodes(prot protection, jobs []sealJob, cfg ParallelConfig) error {
	if len(jobs) == 0 {
		return nil
	}

	minNodes := cfg.MinNodesForParallel
	if minNodes == 0 {
		minNodes = 4
	}

	if !cfg.Enabled || len(jobs) < minNodes {
		for i := range jobs {
			if err := sealOne(prot, &jobs[i]); err != nil {
				return err
			}
		}
		return nil
	}

	numWorkers := cfg.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	var wg sync.WaitGroup
	jobChan := make(chan int, len(jobs))
	errChan := make(chan error, numWorkers)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("panic in sealing worker: %v", r)
					select {
					case errChan <- err:
					default:
					}
				}
			}()
			for idx := range jobChan {
				if err := sealOne(prot, &jobs[idx]); err != nil {
					select {
					case errChan <- err:
					default:
					}
					return
				}
			}
		}()
	}

	for i := range jobs {
		jobChan <- i
	}
	close(jobChan)

	wg.Wait()
	close(errChan)

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

func sealOne(prot protection, job *sealJob) error {
	record, tag, err := prot.sealNode(job.binding, job.payload)
	if err != nil {
		return fmt.Errorf("failed to seal node %d/%d: %w", job.binding.key.level, job.binding.key.index, err)
	}
	job.record = record
	job.tag = tag
	return nil
}
