// Package srservice implements the Super-Resolution Service: dedup and
// schedule upscale requests, persist results to a disk cache, and
// surface outcomes through both a completion event and the in-memory
// upscale store owned by the cache manager.
package srservice

import (
	"time"

	"github.com/HibernalGlow/neoview/jobengine"
)

// UpscaleState is a task's lifecycle state.
type UpscaleState int

const (
	StatePending UpscaleState = iota
	StateProcessing
	StateCompleted
	StateFailed
)

func (s UpscaleState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// UpscaleConfig parameterizes one upscale call.
type UpscaleConfig struct {
	Model      string
	Scale      float64
	TileSize   int
	NoiseLevel int
	UseTTA     bool
	GPUID      int
}

// DefaultUpscaleConfig mirrors a typical SR engine's defaults.
func DefaultUpscaleConfig() UpscaleConfig {
	return UpscaleConfig{Model: "realesrgan-x4plus", Scale: 2.0, TileSize: 256}
}

// Task tracks one submitted upscale request from submission through
// its terminal state.
type Task struct {
	ID         string
	PageIndex  int
	SourceHash string
	Config     UpscaleConfig
	Priority   jobengine.Priority
	Status     UpscaleState
	Progress   int
	InputBytes []byte
	OutputBytes []byte
	Error      error

	createdAt time.Time
}

func (t Task) Terminal() bool {
	return t.Status == StateCompleted || t.Status == StateFailed
}
