package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/straja-ai/cxrlens/internal/config"
	"github.com/straja-ai/cxrlens/internal/diagnosis"
	"github.com/straja-ai/cxrlens/internal/preprocess"
	"github.com/straja-ai/cxrlens/internal/xray"
)

func main() {
	cfgPath := flag.String("config", "", "path to config yaml (required)")
	imgPath := flag.String("image", "", "radiograph to explain (default: synthetic gradient)")
	n := flag.Int("n", 50, "number of iterations")
	workers := flag.Int("workers", 4, "attribution workers for the batch run")
	className := flag.String("class", "", "class to explain (default: the reported class)")
	flag.Parse()

	if *cfgPath == "" {
		log.Fatalf("config flag is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	// Every iteration must recompute the heatmap.
	cfg.Attribution.CacheSize = 0
	cfg.Audit.Sinks = nil
	cfg.Telemetry.Enabled = false

	ctx := context.Background()
	b, err := diagnosis.FromConfig(ctx, cfg, nil, "bench")
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}
	defer b.Close(ctx)
	if b.Model == nil {
		log.Fatalf("config has no model (set model.kind and model.bundle_dir)")
	}

	var src image.Image = syntheticImage(512)
	if *imgPath != "" {
		if src, err = preprocess.Load(*imgPath); err != nil {
			log.Fatalf("load image: %v", err)
		}
	}
	x, _, err := preprocess.Prepare(src, b.Model.Preprocess)
	if err != nil {
		log.Fatalf("prepare image: %v", err)
	}

	class := xray.Normal
	if *className != "" {
		if class, err = xray.ParseClass(*className); err != nil {
			log.Fatalf("class: %v", err)
		}
	} else {
		res, err := b.Diagnose(ctx, x)
		if err != nil {
			log.Fatalf("diagnose: %v", err)
		}
		class = res.Class
	}

	// Warmup
	for i := 0; i < 5; i++ {
		if _, err := b.Explain(ctx, x, class); err != nil {
			log.Fatalf("warmup explain failed: %v", err)
		}
	}

	if *n <= 0 {
		*n = 1
	}

	durations := make([]time.Duration, 0, *n)
	for i := 0; i < *n; i++ {
		start := time.Now()
		if _, err := b.Explain(ctx, x, class); err != nil {
			log.Fatalf("explain failed: %v", err)
		}
		durations = append(durations, time.Since(start))
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	avg := float64(total.Microseconds()) / 1000.0 / float64(len(durations))
	p50 := float64(durations[len(durations)/2].Microseconds()) / 1000.0
	p95 := float64(durations[int(float64(len(durations))*0.95)].Microseconds()) / 1000.0

	jobs := make([]diagnosis.Job, *n)
	for i := range jobs {
		jobs[i] = diagnosis.Job{ID: strconv.Itoa(i), Image: x, Class: class}
	}
	start := time.Now()
	for _, r := range b.ExplainBatch(ctx, jobs, *workers) {
		if r.Err != nil {
			log.Fatalf("batch explain %s failed: %v", r.ID, r.Err)
		}
	}
	wall := time.Since(start)
	perSec := float64(len(jobs)) / wall.Seconds()

	fmt.Printf("bench: n=%d avg_ms=%.2f p50_ms=%.2f p95_ms=%.2f batch_workers=%d batch_ms=%.2f heatmaps_per_s=%.1f class=%s layer=%s model=%s input=%dx%d\n",
		len(durations),
		avg,
		p50,
		p95,
		*workers,
		float64(wall.Microseconds())/1000.0,
		perSec,
		class,
		b.Explainer().Layer(),
		b.Model.Kind,
		b.Model.Preprocess.Width,
		b.Model.Preprocess.Height,
	)
}

// syntheticImage is a radial gradient, brighter towards the centre.
func syntheticImage(size int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, size, size))
	c := float64(size) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			d := (dx*dx + dy*dy) / (c * c)
			if d > 1 {
				d = 1
			}
			img.SetGray(x, y, color.Gray{Y: uint8(255 * (1 - d))})
		}
	}
	return img
}
