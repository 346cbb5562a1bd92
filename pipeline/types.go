// Package pipeline implements the Pipeline Controller: the public
// façade that coordinates the memory cache, job scheduler, preloader,
// and super-resolution service, and owns the single typed event
// stream consumers subscribe to.
package pipeline

import (
	"time"

	"github.com/HibernalGlow/neoview/cachemgr"
	"github.com/HibernalGlow/neoview/jobengine"
	"github.com/HibernalGlow/neoview/preload"
	"github.com/HibernalGlow/neoview/srservice"
)

// PageDescriptor and PageLoader are re-exported from preload, since a
// page descriptor is the same value whether it flows through the
// preloader or straight through the controller's own LoadPage path.
type PageDescriptor = preload.PageDescriptor
type PageLoader = preload.PageLoader
type LoadedPage = preload.LoadedPage

// SREngine is re-exported from srservice for the same reason.
type SREngine = srservice.SREngine

// CacheConfig mirrors spec.md §6's cache sub-block of PipelineConfig.
type CacheConfig struct {
	MaxMemoryBytes  int64
	MaxItems        int
	TTL             time.Duration
	CleanupInterval time.Duration
}

// Config is the pipeline's single configuration surface, spec.md §6's
// PipelineConfig.
type Config struct {
	PreloadPages int
	MaxWorkers   int
	Cache        CacheConfig
	Upscale      srservice.UpscaleConfig
	AutoUpscale  bool
	ViewMode     string
}

// DefaultConfig returns the documented defaults referenced throughout
// spec.md §4.
func DefaultConfig() Config {
	return Config{
		PreloadPages: 4,
		MaxWorkers:   4,
		Cache: CacheConfig{
			MaxMemoryBytes:  cachemgr.DefaultGlobalLimit,
			MaxItems:        0,
			TTL:             5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Upscale:     srservice.DefaultUpscaleConfig(),
		AutoUpscale: false,
		ViewMode:    "single",
	}
}

// PartialConfig carries only the fields UpdateConfig mutates live:
// preload size, worker count and the auto-upscale flag.
type PartialConfig struct {
	PreloadPages *int
	MaxWorkers   *int
	AutoUpscale  *bool
}

// LoadOptions tunes one LoadPage call.
type LoadOptions struct {
	Priority    jobengine.Priority
	SkipCache   bool
	AutoUpscale *bool // nil defers to the pipeline-level Config.AutoUpscale
}

// DefaultLoadOptions matches spec.md §4.6's documented default.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{Priority: jobengine.PriorityCritical}
}

// LoadResult is what LoadPage hands back to its caller.
type LoadResult struct {
	Bytes     []byte
	Handle    cachemgr.ResourceHandle
	FromCache bool
	Metadata  *cachemgr.DecodedMetadata
}

// State is the snapshot GetState returns.
type State struct {
	Initialized     bool
	BookPath        string
	CurrentIndex    int
	TotalPages      int
	LoadInFlight    bool
	PreloaderActive bool

	BlobCount     int
	BlobBytes     int64
	ThumbCount    int
	ThumbBytes    int64
	UpscaleCount  int
	UpscaleBytes  int64

	CacheStats cachemgr.Stats
	JobStats   jobengine.Stats
}
