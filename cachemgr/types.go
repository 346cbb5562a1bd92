// Package cachemgr composes three specialized memcache.Cache stores
// (page blobs, thumbnails, upscaled blobs) behind a CacheManager that
// enforces a global memory ceiling with a tiered shrink policy, and
// mints/releases the externally visible ResourceHandle for every blob
// the pipeline hands back to its caller.
package cachemgr

// DecodedMetadata describes a decoded page image, when the page loader
// was able to produce it.
type DecodedMetadata struct {
	Width      int
	Height     int
	Format     string
	ColorSpace string
	BitDepth   int
}

// BlobEntry is the value type stored in the blob store: page bytes plus
// everything spec.md §3 says a "loaded page bytes" record must carry.
type BlobEntry struct {
	Bytes       []byte
	Handle      ResourceHandle
	PageIndex   int
	ContentHash string
	Metadata    *DecodedMetadata
}

// ThumbnailEntry is the value type stored in the thumbnail store.
type ThumbnailEntry struct {
	Payload   []byte
	Width     int
	Height    int
	PageIndex int
}

// UpscaleEntry is the value type stored in the upscale store, keyed by
// the page's content hash rather than its index so it survives a book
// switch per spec.md §3's upscale-entry lifecycle.
type UpscaleEntry struct {
	Bytes           []byte
	Handle          ResourceHandle
	SourceHash      string
	ModelName       string
	ScaleFactor     float64
	OriginPageIndex int
}
