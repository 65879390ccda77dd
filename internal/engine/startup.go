package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/kalambet/siacta/internal/ollama"
)

// ModelPuller is a backend that hosts models locally and can download them.
type ModelPuller interface {
	Prober
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(ollama.PullProgress)) error
}

// EnsureReady checks that the backend is reachable and pulls any of models
// that are missing, writing progress to w.
func EnsureReady(ctx context.Context, p ModelPuller, w io.Writer, models ...string) error {
	if !p.IsRunning(ctx) {
		return fmt.Errorf("%w: model backend is not running; start it with: ollama serve", ErrProvider)
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		if p.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := p.PullModel(ctx, model, func(pr ollama.PullProgress) {
			if pr.Total > 0 {
				fmt.Fprintf(w, "  %s %.0f%%\n", pr.Status, float64(pr.Completed)/float64(pr.Total)*100)
			} else {
				fmt.Fprintf(w, "  %s\n", pr.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}
