package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ComfyOptions configures a ComfyClient.
type ComfyOptions struct {
	// BaseURL points at the ComfyUI HTTP endpoint of the GPU worker.
	BaseURL    string
	HTTPClient *http.Client
	// PollInterval is the delay between history polls while a workflow runs.
	PollInterval time.Duration
	// Embeddings maps character ids to trained embedding tokens. When a
	// request names a known character the positive prompt is conditioned
	// with its token.
	Embeddings map[string]string
}

// ComfyClient talks to a ComfyUI instance: it submits a workflow graph,
// polls the history endpoint until outputs appear, then downloads the
// produced image.
type ComfyClient struct {
	httpClient   *http.Client
	baseURL      string
	pollInterval time.Duration
	embeddings   map[string]string
}

// NewComfyClient creates a client for the given worker endpoint.
func NewComfyClient(opts ComfyOptions) (*ComfyClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("comfy: base url is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	embeddings := make(map[string]string, len(opts.Embeddings))
	for id, token := range opts.Embeddings {
		embeddings[id] = token
	}
	return &ComfyClient{
		httpClient:   client,
		baseURL:      base,
		pollInterval: interval,
		embeddings:   embeddings,
	}, nil
}

type comfyQueueResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Error      json.RawMessage            `json:"error,omitempty"`
	NodeErrors map[string]json.RawMessage `json:"node_errors,omitempty"`
}

type comfyHistoryEntry struct {
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
	Status struct {
		Completed bool   `json:"completed"`
		StatusStr string `json:"status_str"`
	} `json:"status"`
}

// Generate runs a txt2img workflow and returns the produced image. The call
// blocks until the backend reports completion or ctx expires.
func (c *ComfyClient) Generate(ctx context.Context, req GenerateRequest) (Asset, error) {
	if c == nil {
		return Asset{}, errors.New("comfy client not configured")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Asset{}, errors.New("comfy: prompt is required")
	}

	seed := req.Seed
	if seed <= 0 {
		seed = rand.Int63()
	}
	prompt := req.Prompt
	usedEmbedding := false
	if req.CharacterID != "" {
		if token, ok := c.embeddings[req.CharacterID]; ok {
			prompt = fmt.Sprintf("embedding:%s, %s", token, prompt)
			usedEmbedding = true
		}
	}

	workflow := c.buildWorkflow(req, prompt, seed)
	promptID, err := c.submit(ctx, workflow)
	if err != nil {
		return Asset{}, err
	}

	filename, subfolder, imgType, err := c.awaitOutputs(ctx, promptID)
	if err != nil {
		return Asset{}, err
	}

	data, err := c.download(ctx, filename, subfolder, imgType)
	if err != nil {
		return Asset{}, err
	}

	return Asset{
		Data:          data,
		Format:        "image/png",
		Width:         req.Width,
		Height:        req.Height,
		Seed:          seed,
		UsedEmbedding: usedEmbedding,
	}, nil
}

// HealthCheck probes the worker's queue endpoint.
func (c *ComfyClient) HealthCheck(ctx context.Context) error {
	if c == nil {
		return errors.New("comfy client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: queue returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// buildWorkflow assembles the node graph: checkpoint loader, optional LoRA
// chain, CLIP encodes, empty latent, KSampler, VAE decode, image save.
func (c *ComfyClient) buildWorkflow(req GenerateRequest, prompt string, seed int64) map[string]any {
	model := req.Model
	if model == "" {
		model = ModelForStyle(req.ArtStyle)
	}
	sampler := req.Sampler
	if sampler == "" {
		sampler = DefaultSampler
	}
	steps := req.Steps
	if steps <= 0 {
		steps = DefaultSteps
	}
	cfg := req.CFGScale
	if cfg <= 0 {
		cfg = DefaultCFGScale
	}
	width := req.Width
	if width <= 0 {
		width = 512
	}
	height := req.Height
	if height <= 0 {
		height = 768
	}

	nodes := map[string]any{
		"1": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": model},
		},
	}

	modelConn := []any{"1", 0}
	clipConn := []any{"1", 1}
	nodeID := 2
	for _, lora := range req.LoRAs {
		strength := clampStrength(lora.Strength)
		id := strconv.Itoa(nodeID)
		nodes[id] = map[string]any{
			"class_type": "LoraLoader",
			"inputs": map[string]any{
				"lora_name":      lora.Name,
				"strength_model": strength,
				"strength_clip":  strength,
				"model":          modelConn,
				"clip":           clipConn,
			},
		}
		modelConn = []any{id, 0}
		clipConn = []any{id, 1}
		nodeID++
	}

	positiveID := strconv.Itoa(nodeID)
	nodes[positiveID] = map[string]any{
		"class_type": "CLIPTextEncode",
		"inputs":     map[string]any{"text": prompt, "clip": clipConn},
	}
	nodeID++

	negativeID := strconv.Itoa(nodeID)
	nodes[negativeID] = map[string]any{
		"class_type": "CLIPTextEncode",
		"inputs":     map[string]any{"text": req.NegativePrompt, "clip": clipConn},
	}
	nodeID++

	latentID := strconv.Itoa(nodeID)
	nodes[latentID] = map[string]any{
		"class_type": "EmptyLatentImage",
		"inputs":     map[string]any{"width": width, "height": height, "batch_size": 1},
	}
	nodeID++

	samplerID := strconv.Itoa(nodeID)
	nodes[samplerID] = map[string]any{
		"class_type": "KSampler",
		"inputs": map[string]any{
			"seed":         seed,
			"steps":        steps,
			"cfg":          cfg,
			"sampler_name": sampler,
			"scheduler":    "normal",
			"denoise":      1.0,
			"model":        modelConn,
			"positive":     []any{positiveID, 0},
			"negative":     []any{negativeID, 0},
			"latent_image": []any{latentID, 0},
		},
	}
	nodeID++

	decodeID := strconv.Itoa(nodeID)
	nodes[decodeID] = map[string]any{
		"class_type": "VAEDecode",
		"inputs":     map[string]any{"samples": []any{samplerID, 0}, "vae": []any{"1", 2}},
	}
	nodeID++

	nodes[strconv.Itoa(nodeID)] = map[string]any{
		"class_type": "SaveImage",
		"inputs":     map[string]any{"images": []any{decodeID, 0}, "filename_prefix": "genserver"},
	}

	return nodes
}

func (c *ComfyClient) submit(ctx context.Context, workflow map[string]any) (string, error) {
	payload := map[string]any{
		"prompt":    workflow,
		"client_id": uuid.NewString(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, raw)
	}

	var queued comfyQueueResponse
	if err := json.Unmarshal(raw, &queued); err != nil {
		return "", fmt.Errorf("comfy: decode queue response: %w", err)
	}
	if queued.PromptID == "" {
		return "", fmt.Errorf("comfy: queue response missing prompt id: %s", truncate(raw))
	}
	return queued.PromptID, nil
}

// awaitOutputs polls the history endpoint until the workflow produced an image
// or ctx expires.
func (c *ComfyClient) awaitOutputs(ctx context.Context, promptID string) (filename, subfolder, imgType string, err error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", "", "", ctx.Err()
		case <-ticker.C:
		}

		entry, found, pollErr := c.history(ctx, promptID)
		if pollErr != nil {
			return "", "", "", pollErr
		}
		if !found {
			continue
		}
		for _, output := range entry.Outputs {
			if len(output.Images) > 0 {
				img := output.Images[0]
				return img.Filename, img.Subfolder, img.Type, nil
			}
		}
		if entry.Status.Completed {
			return "", "", "", fmt.Errorf("comfy: workflow %s completed without outputs (%s)", promptID, entry.Status.StatusStr)
		}
	}
}

func (c *ComfyClient) history(ctx context.Context, promptID string) (comfyHistoryEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return comfyHistoryEntry{}, false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return comfyHistoryEntry{}, false, ctx.Err()
		}
		return comfyHistoryEntry{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return comfyHistoryEntry{}, false, classifyStatus(resp.StatusCode, raw)
	}

	var history map[string]comfyHistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return comfyHistoryEntry{}, false, fmt.Errorf("comfy: decode history: %w", err)
	}
	entry, ok := history[promptID]
	return entry, ok, nil
}

func (c *ComfyClient) download(ctx context.Context, filename, subfolder, imgType string) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", filename)
	if subfolder != "" {
		q.Set("subfolder", subfolder)
	}
	if imgType != "" {
		q.Set("type", imgType)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("comfy: download image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("comfy: download image: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("comfy: downloaded empty image")
	}
	return data, nil
}

// classifyStatus maps backend HTTP failures onto the adapter's error taxonomy.
// 4xx responses carrying a policy marker fail fast as content violations;
// everything else is a retryable backend failure.
func classifyStatus(status int, body []byte) error {
	lower := strings.ToLower(string(body))
	if status >= 400 && status < 500 &&
		(strings.Contains(lower, "content_policy") || strings.Contains(lower, "policy violation") || strings.Contains(lower, "nsfw")) {
		return fmt.Errorf("%w: %s", ErrContentPolicy, truncate(body))
	}
	return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, truncate(body))
}

func clampStrength(s float64) float64 {
	if s < 0.1 {
		return 0.1
	}
	if s > 1.5 {
		return 1.5
	}
	return s
}

func truncate(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
