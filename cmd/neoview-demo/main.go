// Command neoview-demo walks through a full pipeline session against
// an in-memory fake book: initialize, set a book context, load a page
// (miss then hit), preload its neighbors, and print the resulting
// events -- a self-contained smoke test for the whole package graph.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/HibernalGlow/neoview/pipeline"
)

// fakeLoader stands in for a real filesystem/archive page loader,
// synthesizing page bytes proportional to the requested index.
type fakeLoader struct{}

func (fakeLoader) LoadPageData(ctx context.Context, desc pipeline.PageDescriptor) (pipeline.LoadedPage, error) {
	time.Sleep(5 * time.Millisecond) // pretend there's I/O
	return pipeline.LoadedPage{
		Bytes:       []byte(fmt.Sprintf("page-%d-bytes", desc.Index)),
		ContentHash: fmt.Sprintf("hash-%d", desc.Index),
	}, nil
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctrl := pipeline.New(pipeline.WithLogger(logger))
	defer ctrl.Dispose()

	cfg := pipeline.DefaultConfig()
	cfg.PreloadPages = 3

	ctx := context.Background()
	if err := ctrl.Initialize(ctx, cfg, fakeLoader{}, nil); err != nil {
		logger.Fatal("initialize failed", zap.Error(err))
	}

	unsubscribe := ctrl.AddEventListener(func(ev pipeline.Event) {
		logger.Info("pipeline event",
			zap.String("kind", ev.Kind.String()),
			zap.Int("page_index", ev.PageIndex),
			zap.Bool("from_cache", ev.FromCache),
		)
	})
	defer unsubscribe()

	descriptors := make([]pipeline.PageDescriptor, 20)
	for i := range descriptors {
		descriptors[i] = pipeline.PageDescriptor{Index: i, DisplayName: fmt.Sprintf("Page %d", i)}
	}

	if err := ctrl.SetBookContext("demo-book.cbz", descriptors, 5); err != nil {
		logger.Fatal("set book context failed", zap.Error(err))
	}

	result, err := ctrl.LoadPage(ctx, 5, pipeline.DefaultLoadOptions())
	if err != nil {
		logger.Fatal("load page failed", zap.Error(err))
	}
	fmt.Printf("loaded page 5 (%d bytes, from_cache=%v)\n", len(result.Bytes), result.FromCache)

	// Give the background preload wave a moment to populate neighbors.
	time.Sleep(100 * time.Millisecond)

	state := ctrl.GetState()
	fmt.Printf("state: book=%s current=%d blobs=%d (%d bytes)\n",
		state.BookPath, state.CurrentIndex, state.BlobCount, state.BlobBytes)

	result2, err := ctrl.LoadPage(ctx, 5, pipeline.DefaultLoadOptions())
	if err != nil {
		logger.Fatal("second load page failed", zap.Error(err))
	}
	fmt.Printf("reloaded page 5 from_cache=%v\n", result2.FromCache)
}
