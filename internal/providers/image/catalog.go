package image

import "strings"

// Style describes a supported art style and the checkpoint backing it.
type Style struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Model       string `json:"model"`
}

// Dimension is a supported output size preset.
type Dimension struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Name   string `json:"name"`
}

// LoRAPreset advertises a known style modifier and its recommended strength.
type LoRAPreset struct {
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	DefaultStrength float64 `json:"default_strength"`
}

// SettingRange bounds a tunable sampling parameter.
type SettingRange struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Default     float64 `json:"default"`
	Description string  `json:"description"`
}

const (
	DefaultSteps    = 20
	DefaultCFGScale = 8.0
	DefaultSampler  = "dpmpp_2m"
	DefaultStyle    = "anime"
)

// Styles lists the supported art styles in display order.
var Styles = []Style{
	{ID: "anime", Name: "Anime", Description: "Anime and manga style characters", Model: "ILustMix.safetensors"},
	{ID: "realistic", Name: "Realistic", Description: "Photorealistic human portraits", Model: "realisticVisionV51_v51VAE.safetensors"},
	{ID: "fantasy", Name: "Fantasy", Description: "Fantasy and magical themes", Model: "dreamshaper_8.safetensors"},
	{ID: "artistic", Name: "Artistic", Description: "Artistic and painterly style", Model: "deliberate_v2.safetensors"},
	{ID: "cyberpunk", Name: "Cyberpunk", Description: "Futuristic cyberpunk aesthetic", Model: "cyberrealistic_v33.safetensors"},
}

// Dimensions lists the output size presets accepted by the orchestrator.
var Dimensions = []Dimension{
	{Width: 512, Height: 512, Name: "Square (512x512)"},
	{Width: 768, Height: 768, Name: "Square HD (768x768)"},
	{Width: 512, Height: 768, Name: "Portrait (512x768)"},
	{Width: 768, Height: 512, Name: "Landscape (768x512)"},
	{Width: 1024, Height: 1024, Name: "Square Ultra (1024x1024)"},
	{Width: 1024, Height: 1536, Name: "Portrait Ultra (1024x1536)"},
}

// Samplers lists sampler names accepted by the workers.
var Samplers = []string{"dpmpp_2m", "euler", "euler_ancestral", "ddim", "uni_pc"}

// LoRAPresets lists modifiers exposed through the catalog endpoint.
var LoRAPresets = []LoRAPreset{
	{Name: "Expressiveh", Description: "Enhanced facial expressions", DefaultStrength: 0.7},
	{Name: "Unfazed", Description: "Confident character poses", DefaultStrength: 0.6},
	{Name: "Face_Down", Description: "Specific pose styling", DefaultStrength: 0.8},
}

// AdvancedSettings bounds the tunable sampling parameters.
var AdvancedSettings = map[string]SettingRange{
	"steps":     {Min: 1, Max: 100, Default: DefaultSteps, Description: "Number of denoising steps"},
	"cfg_scale": {Min: 1, Max: 30, Default: DefaultCFGScale, Description: "Classifier Free Guidance scale"},
}

// ModelForStyle resolves an art style to the checkpoint loaded by the worker.
// Unknown styles fall back to the anime checkpoint.
func ModelForStyle(style string) string {
	style = strings.ToLower(strings.TrimSpace(style))
	for _, s := range Styles {
		if s.ID == style {
			return s.Model
		}
	}
	return Styles[0].Model
}

// SupportedDimension reports whether the width/height pair is a preset.
func SupportedDimension(width, height int) bool {
	for _, d := range Dimensions {
		if d.Width == width && d.Height == height {
			return true
		}
	}
	return false
}

// Models lists the distinct checkpoints across all styles.
func Models() []string {
	seen := make(map[string]bool, len(Styles))
	out := make([]string, 0, len(Styles))
	for _, s := range Styles {
		if !seen[s.Model] {
			seen[s.Model] = true
			out = append(out, s.Model)
		}
	}
	return out
}
