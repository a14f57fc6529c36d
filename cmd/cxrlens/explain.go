package main

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/straja-ai/cxrlens/internal/diagnosis"
	"github.com/straja-ai/cxrlens/internal/gradcam"
	"github.com/straja-ai/cxrlens/internal/overlay"
	"github.com/straja-ai/cxrlens/internal/preprocess"
	"github.com/straja-ai/cxrlens/internal/redact"
	"github.com/straja-ai/cxrlens/internal/xray"
)

type explainFlags struct {
	images     []string
	outDir     string
	class      string
	mode       string
	opacity    float64
	percentile float64
}

// explained is the JSON summary of one rendered image.
type explained struct {
	Source    string            `json:"source"`
	Class     string            `json:"class"`
	Layer     string            `json:"layer"`
	Peak      float64           `json:"peak"`
	Threshold *float64          `json:"threshold,omitempty"`
	Decision  *diagnosis.Result `json:"decision,omitempty"`
	Files     []string          `json:"files"`
}

// pending is an image loaded and classified, waiting for its heatmap.
type pending struct {
	path     string
	original image.Image
	class    xray.Class
	decision *diagnosis.Result
}

func (a *app) explainCmd() *cobra.Command {
	var f explainFlags
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Render Grad-CAM overlays for radiographs",
		Long: `Compute a Grad-CAM heatmap for each --image and write PNG overlays to --out.

Without --class the heatmap explains the class cxrlens reports for the image.
Mode jet blends the JET-coloured heatmap over the radiograph and also writes the
colour and grayscale maps. Mode highlight tints in red only the pixels above
--percentile of the heatmap and writes the mask.

Examples:
  cxrlens explain --image chest.png --out overlays/
  cxrlens explain --image a.png --image b.png --out overlays/ --mode highlight
  cxrlens explain --image chest.png --out overlays/ --class VIRAL_PNEUMONIA`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runExplain(cmd, f)
		},
	}
	fs := cmd.Flags()
	fs.StringArrayVar(&f.images, "image", nil, "radiograph to explain (repeatable)")
	fs.StringVar(&f.outDir, "out", "", "directory for the PNG outputs")
	fs.StringVar(&f.class, "class", "", "class to explain (default: the reported class)")
	fs.StringVar(&f.mode, "mode", "", "overlay mode: jet or highlight (default from config)")
	fs.Float64Var(&f.opacity, "opacity", 0, "overlay opacity in [0, 1] (default from config)")
	fs.Float64Var(&f.percentile, "percentile", 0, "highlight percentile in (0, 100] (default from config)")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func (a *app) runExplain(cmd *cobra.Command, f explainFlags) error {
	ctx := cmd.Context()

	modeName := a.cfg.Overlay.Mode
	if f.mode != "" {
		modeName = f.mode
	}
	mode, err := overlay.ParseMode(modeName)
	if err != nil {
		return err
	}
	opacity := a.cfg.Overlay.Opacity
	if cmd.Flags().Changed("opacity") {
		opacity = f.opacity
	} else if f.mode != "" && !strings.EqualFold(f.mode, a.cfg.Overlay.Mode) {
		opacity = defaultOpacity(mode)
	}
	percentile := a.cfg.Overlay.Percentile
	if cmd.Flags().Changed("percentile") {
		percentile = f.percentile
	}

	var fixed *xray.Class
	if f.class != "" {
		c, err := xray.ParseClass(f.class)
		if err != nil {
			return err
		}
		fixed = &c
	}

	if err := os.MkdirAll(f.outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	b, err := a.engine(ctx, true)
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	items, jobs, err := classify(ctx, b, f.images, fixed)
	if err != nil {
		return err
	}

	results := b.ExplainBatch(ctx, jobs, a.cfg.Attribution.Workers)
	summaries := make([]explained, 0, len(items))
	for i, r := range results {
		if r.Err != nil {
			return fmt.Errorf("%s: %w", redact.Path(items[i].path), r.Err)
		}
		s, err := render(items[i], r.Heatmap, mode, opacity, percentile, f.outDir)
		if err != nil {
			return err
		}
		slog.Info("overlay written", redact.PathAttr("source", items[i].path), "class", s.Class, "files", len(s.Files))
		summaries = append(summaries, s)
	}
	if len(summaries) == 1 {
		return writeJSON(cmd.OutOrStdout(), summaries[0])
	}
	return writeJSON(cmd.OutOrStdout(), summaries)
}

// classify loads every image and picks the class to explain, running the full
// diagnosis when no class is fixed.
func classify(ctx context.Context, b *diagnosis.Built, paths []string, fixed *xray.Class) ([]pending, []diagnosis.Job, error) {
	items := make([]pending, 0, len(paths))
	jobs := make([]diagnosis.Job, 0, len(paths))
	for i, path := range paths {
		img, err := preprocess.Load(path)
		if err != nil {
			return nil, nil, err
		}
		x, _, err := preprocess.Prepare(img, b.Model.Preprocess)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", redact.Path(path), err)
		}
		p := pending{path: path, original: img}
		if fixed != nil {
			p.class = *fixed
		} else {
			res, err := b.Diagnose(diagnosis.WithSource(ctx, path), x)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", redact.Path(path), err)
			}
			p.class = res.Class
			p.decision = res
		}
		items = append(items, p)
		jobs = append(jobs, diagnosis.Job{ID: strconv.Itoa(i), Image: x, Class: p.class})
	}
	return items, jobs, nil
}

func render(p pending, hm *gradcam.Heatmap, mode overlay.Mode, opacity, percentile float64, outDir string) (explained, error) {
	base := strings.TrimSuffix(filepath.Base(p.path), filepath.Ext(p.path))
	s := explained{
		Source:   redact.Path(p.path),
		Class:    hm.Class.String(),
		Layer:    hm.Layer,
		Peak:     hm.Max(),
		Decision: p.decision,
	}
	write := func(suffix string, img image.Image) error {
		out := filepath.Join(outDir, fmt.Sprintf("%s_%s.png", base, suffix))
		if err := writePNG(out, img); err != nil {
			return err
		}
		s.Files = append(s.Files, out)
		return nil
	}

	switch mode {
	case overlay.ModeHighlight:
		res, err := overlay.Highlight(p.original, hm, opacity, percentile)
		if err != nil {
			return s, err
		}
		threshold := res.Threshold
		s.Threshold = &threshold
		if err := write("highlight", res.Overlay); err != nil {
			return s, err
		}
		if err := write("mask", res.Mask); err != nil {
			return s, err
		}
	default:
		res, err := overlay.Blend(p.original, hm, opacity)
		if err != nil {
			return s, err
		}
		for _, out := range []struct {
			suffix string
			img    image.Image
		}{
			{"overlay", res.Overlay},
			{"heatmap", res.Color},
			{"gray", res.Gray},
		} {
			if err := write(out.suffix, out.img); err != nil {
				return s, err
			}
		}
	}
	return s, nil
}

func writePNG(path string, img image.Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return overlay.EncodePNG(f, img)
}

func defaultOpacity(m overlay.Mode) float64 {
	if m == overlay.ModeHighlight {
		return overlay.DefaultHighlightOpacity
	}
	return overlay.DefaultBlendOpacity
}
