package diagnosis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/straja-ai/cxrlens/internal/audit"
	"github.com/straja-ai/cxrlens/internal/gradcam"
	"github.com/straja-ai/cxrlens/internal/telemetry"
	"github.com/straja-ai/cxrlens/internal/tensor"
	"github.com/straja-ai/cxrlens/internal/xray"
)

// Explain returns the Grad-CAM heatmap of class for image. The caller owns the
// returned heatmap.
func (e *Engine) Explain(ctx context.Context, image *tensor.Tensor, class xray.Class) (*gradcam.Heatmap, error) {
	start := time.Now()
	ctx, span := e.telemetry.Tracer().Start(ctx, "cxrlens.explain")
	defer span.End()

	if e.explainer == nil {
		err := xray.Misconfigured("diagnosis", "no classifier loaded")
		e.fail(ctx, span, audit.KindExplain, err, audit.TimingMs{})
		return nil, err
	}

	var key cacheKey
	cacheable := e.cache != nil && image != nil && class.Valid()
	if cacheable {
		key = cacheKey{digest: imageDigest(image), class: class, layer: e.explainer.Layer()}
		if hm, ok := e.cache.get(key); ok {
			e.observeExplain(ctx, span, hm, true, time.Since(start))
			return hm, nil
		}
	}

	hm, err := e.explainer.Attribute(ctx, image, class)
	if err != nil {
		elapsed := audit.Ms(time.Since(start))
		e.fail(ctx, span, audit.KindExplain, err, audit.TimingMs{Attribution: elapsed, Total: elapsed})
		return nil, err
	}
	if cacheable {
		e.cache.add(key, hm)
	}
	e.observeExplain(ctx, span, hm, false, time.Since(start))
	return hm, nil
}

func (e *Engine) observeExplain(ctx context.Context, span trace.Span, hm *gradcam.Heatmap, cached bool, elapsed time.Duration) {
	ms := audit.Ms(elapsed)
	label := hm.Class.String()
	span.SetAttributes(telemetry.SafeAttributes(map[string]interface{}{
		"cxrlens.class":  label,
		"cxrlens.layer":  hm.Layer,
		"cxrlens.cached": cached,
	})...)
	e.telemetry.RecordAttribution(ctx, label, hm.Layer, cached, ms)

	e.logger.Debug("explained",
		"class", label,
		"layer", hm.Layer,
		"size", fmt.Sprintf("%dx%d", hm.W, hm.H),
		"cached", cached,
		"source", sourceFrom(ctx),
	)

	ev := e.newEvent(ctx, audit.KindExplain)
	ev.Attribution = &audit.AttributionPayload{
		Class:  label,
		Layer:  hm.Layer,
		Height: hm.H,
		Width:  hm.W,
		Peak:   hm.Max(),
		Cached: cached,
	}
	ev.Timing = audit.TimingMs{Attribution: ms, Total: ms}
	e.audit.Emit(ctx, ev)
}

// Job is one attribution request of a batch.
type Job struct {
	ID    string
	Image *tensor.Tensor
	Class xray.Class
}

// JobResult carries the heatmap or error of the Job with the same ID.
type JobResult struct {
	ID      string
	Heatmap *gradcam.Heatmap
	Err     error
}

// ExplainBatch explains jobs on up to workers goroutines, falling back to the
// configured worker count when workers <= 0. Results are in job order; a failed job
// does not stop the others.
func (e *Engine) ExplainBatch(ctx context.Context, jobs []Job, workers int) []JobResult {
	if workers <= 0 {
		workers = e.workers
	}
	results := make([]JobResult, len(jobs))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, job := range jobs {
		results[i].ID = job.ID
		wg.Add(1)
		go func(idx int, job Job) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx].Err = ctx.Err()
				return
			}

			results[idx].Heatmap, results[idx].Err = e.Explain(ctx, job.Image, job.Class)
		}(i, job)
	}

	wg.Wait()
	return results
}

// CacheLen is the number of memoized heatmaps.
func (e *Engine) CacheLen() int { return e.cache.len() }
