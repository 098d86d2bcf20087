package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// LoRA names a style-modifier weight file applied during sampling.
type LoRA struct {
	Name     string  `json:"name"`
	Strength float64 `json:"strength"`
}

// GenerationRequest is the immutable input describing the desired output.
// It is captured once at job creation and never mutated afterwards.
type GenerationRequest struct {
	Prompt           string  `json:"prompt"`
	NegativePrompt   string  `json:"negative_prompt,omitempty"`
	CharacterID      string  `json:"character_id,omitempty"`
	CharacterName    string  `json:"character_name,omitempty"`
	CharacterPersona string  `json:"character_persona,omitempty"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	Steps            int     `json:"steps"`
	CFGScale         float64 `json:"cfg_scale"`
	// Seed is nil when the backend should pick one at random.
	Seed     *int64 `json:"seed,omitempty"`
	Quantity int    `json:"quantity"`
	ArtStyle string `json:"art_style,omitempty"`
	Model    string `json:"model,omitempty"`
	LoRAs    []LoRA `json:"loras,omitempty"`
	NSFW     bool   `json:"nsfw"`
}

// GenerationResult is attached to a job once it completes. GeneratedCount may
// be lower than the requested quantity on partial success but is never zero.
type GenerationResult struct {
	ImageURLs      []string `json:"image_urls"`
	GeneratedCount int      `json:"generated_count"`
	Seed           int64    `json:"seed"`
	GenerationTime float64  `json:"generation_time"`
	UsedEmbedding  bool     `json:"used_embedding"`
}

// JobError describes why a job failed. Kind is machine-checkable so clients
// can render a content-policy message distinctly from a generic failure.
type JobError struct {
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind"`
}

// Job is the mutable unit of asynchronous generation work. Result and Error
// are mutually exclusive and both nil while the job is queued or running.
type Job struct {
	ID       string            `json:"id"`
	UserID   string            `json:"user_id"`
	Status   JobStatus         `json:"status"`
	Progress int               `json:"progress"`
	Request  GenerationRequest `json:"request"`
	Result   *GenerationResult `json:"result,omitempty"`
	Error    *JobError         `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so store snapshots never alias live records.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Request.Seed != nil {
		s := *j.Request.Seed
		cp.Request.Seed = &s
	}
	if len(j.Request.LoRAs) > 0 {
		cp.Request.LoRAs = append([]LoRA(nil), j.Request.LoRAs...)
	}
	if j.Result != nil {
		res := *j.Result
		res.ImageURLs = append([]string(nil), j.Result.ImageURLs...)
		cp.Result = &res
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	return &cp
}
