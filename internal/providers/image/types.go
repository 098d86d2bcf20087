package image

import "context"

// LoRA is a style-modifier weight applied during sampling. Strength is
// clamped by the adapter to the range the workers accept.
type LoRA struct {
	Name     string
	Strength float64
}

// GenerateRequest describes a single image to synthesize. Quantity fan-out is
// the caller's responsibility; one call produces one image.
type GenerateRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	CFGScale       float64
	// Seed <= 0 asks the adapter to pick one at random. The seed actually
	// used is reported back on the Asset.
	Seed        int64
	Model       string
	Sampler     string
	ArtStyle    string
	CharacterID string
	LoRAs       []LoRA
	NSFW        bool
}

// Asset is one synthesized image, downloaded from the backend.
type Asset struct {
	Data          []byte
	Format        string
	Width         int
	Height        int
	Seed          int64
	UsedEmbedding bool
}

// Generator is the contract implemented by remote generation backends.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Asset, error)
}
