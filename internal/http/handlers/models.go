package handlers

import (
	"context"
	"net/http"
	"time"

	image "genserver/internal/providers/image"
)

// ModelsCatalog advertises the styles, size presets and tunables clients may
// send in a generation request, plus whether the backend is taking work.
func (a *App) ModelsCatalog(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{
		"styles":     image.Styles,
		"models":     image.Models(),
		"dimensions": image.Dimensions,
		"samplers":   image.Samplers,
		"loras":      image.LoRAPresets,
		"settings":   image.AdvancedSettings,
		"defaults": map[string]any{
			"style":     image.DefaultStyle,
			"steps":     image.DefaultSteps,
			"cfg_scale": image.DefaultCFGScale,
			"sampler":   image.DefaultSampler,
		},
		"backend": a.backendStatus(r.Context()),
	})
}

func (a *App) backendStatus(ctx context.Context) string {
	if a.Backend == nil {
		return "unknown"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Backend.HealthCheck(ctx); err != nil {
		return "unreachable"
	}
	return "ok"
}
