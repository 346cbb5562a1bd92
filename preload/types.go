// Package preload implements the image pipeline's Preload Manager:
// given a centered page range and a reading direction, it loads the
// main pages at Critical priority and fans out a configurable number
// of pages ahead and behind at a lower priority, honoring cache state
// and memory pressure.
package preload

import (
	"context"

	"github.com/HibernalGlow/neoview/cachemgr"
	"github.com/HibernalGlow/neoview/jobengine"
)

// PageDescriptor identifies one page within a book, independent of
// whether its bytes are currently cached.
type PageDescriptor struct {
	Index            int
	Path             string
	DisplayName      string
	InnerArchivePath string
	Width            *int
	Height           *int
	ByteSize         *int64
	ContentHash      string
}

// LoadedPage is what an external PageLoader hands back for one page.
type LoadedPage struct {
	Bytes       []byte
	ContentHash string
	Metadata    *cachemgr.DecodedMetadata
}

// PageLoader is the external seam through which the pipeline obtains
// page bytes it does not already have cached.
type PageLoader interface {
	LoadPageData(ctx context.Context, desc PageDescriptor) (LoadedPage, error)
}

// State is a page's transient preload status, reset at the start of
// every wave.
type State int

const (
	StateNone State = iota
	StateView
	StateAhead
	StateBehind
)

// Context is the book-level state the controller hands to the
// preloader: which book, which pages, current position, and reading
// direction.
type Context struct {
	BookPath     string
	CurrentIndex int
	TotalPages   int
	Direction    int // +1 or -1
	Descriptors  []PageDescriptor
}

func (c Context) descriptorFor(index int) (PageDescriptor, bool) {
	for _, d := range c.Descriptors {
		if d.Index == index {
			return d, true
		}
	}
	return PageDescriptor{}, false
}

// Config controls how far and how eagerly the preloader fans out.
type Config struct {
	PreloadSize     int
	EnableAhead     bool
	AheadPriority   jobengine.Priority
	ConcurrentLoads int
}

// DefaultConfig mirrors sensible defaults for a typical reader session.
func DefaultConfig() Config {
	return Config{
		PreloadSize:     4,
		EnableAhead:     true,
		AheadPriority:   jobengine.PriorityLow,
		ConcurrentLoads: 3,
	}
}

// Range is the set of page indices the current view displays, e.g. a
// single page or a two-page spread.
type Range struct {
	Indices []int
}

// Single builds a Range for one page index.
func Single(index int) Range { return Range{Indices: []int{index}} }

// ordered returns the range's indices sorted so that iterating them
// follows direction: ascending for +1, descending for -1.
func (r Range) ordered(direction int) []int {
	out := append([]int(nil), r.Indices...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			if direction >= 0 {
				if out[j-1] > out[j] {
					out[j-1], out[j] = out[j], out[j-1]
				}
			} else {
				if out[j-1] < out[j] {
					out[j-1], out[j] = out[j], out[j-1]
				}
			}
		}
	}
	return out
}

func (r Range) max() int {
	m := r.Indices[0]
	for _, i := range r.Indices[1:] {
		if i > m {
			m = i
		}
	}
	return m
}

func (r Range) min() int {
	m := r.Indices[0]
	for _, i := range r.Indices[1:] {
		if i < m {
			m = i
		}
	}
	return m
}

// next returns the index immediately beyond the range in direction.
func (r Range) next(direction int) int {
	if direction >= 0 {
		return r.max() + 1
	}
	return r.min() - 1
}
