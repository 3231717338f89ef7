package concurrency

import (
	"fmt"
	"os"
	"runtime"
)

// Config holds the concurrency defaults derived from the runtime environment
type Config struct {
	// MaxConcurrent bounds in-flight calls per external service
	MaxConcurrent int

	// StageWorkers is the number of workers per queued stage.
	// One keeps arrival order within a chain.
	StageWorkers int

	// StatusWorkers serve the status reporter queue
	StatusWorkers int

	// FanOutParallelism bounds concurrent dispatches of one fan-out
	FanOutParallelism int

	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig derives defaults from GOMAXPROCS and the Kubernetes environment.
// Call InitializeForKubernetes first so GOMAXPROCS reflects the container quota.
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
		StageWorkers:  1,
	}

	if config.IsKubernetes {
		// Conservative for Kubernetes to prevent resource exhaustion
		config.MaxConcurrent = config.EffectiveCPUs * 2
		config.StatusWorkers = max(config.EffectiveCPUs/2, 1)
	} else {
		config.MaxConcurrent = config.EffectiveCPUs * 4
		config.StatusWorkers = max(config.EffectiveCPUs, 2)
	}
	config.FanOutParallelism = max(config.EffectiveCPUs, 2)

	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, StageWorkers: %d, StatusWorkers: %d, FanOut: %d, IsK8s: %t, CPUs: %d}",
		c.MaxConcurrent,
		c.StageWorkers,
		c.StatusWorkers,
		c.FanOutParallelism,
		c.IsKubernetes,
		c.EffectiveCPUs,
	)
}
