package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CDNOptions configures a CDNStore.
type CDNOptions struct {
	// BaseURL is the storage zone endpoint, e.g. https://storage.example.net/zone.
	BaseURL string
	// AccessKey authenticates uploads to the zone.
	AccessKey string
	// PublicURL is the pull-zone prefix returned to clients; falls back to
	// BaseURL when empty.
	PublicURL  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// CDNStore uploads artifacts to an HTTP storage zone (Bunny-style API: PUT the
// bytes at the key path with an AccessKey header).
type CDNStore struct {
	httpClient *http.Client
	baseURL    string
	publicURL  string
	accessKey  string
}

// NewCDNStore creates an uploader against the configured storage zone.
func NewCDNStore(opts CDNOptions) (*CDNStore, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("storage: cdn base url is required")
	}
	if strings.TrimSpace(opts.AccessKey) == "" {
		return nil, errors.New("storage: cdn access key is required")
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	public := strings.TrimRight(strings.TrimSpace(opts.PublicURL), "/")
	if public == "" {
		public = base
	}
	return &CDNStore{
		httpClient: client,
		baseURL:    base,
		publicURL:  public,
		accessKey:  strings.TrimSpace(opts.AccessKey),
	}, nil
}

// Store uploads the artifact and returns its public URL.
func (s *CDNStore) Store(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	endpoint := s.baseURL + "/" + cleanKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("AccessKey", s.accessKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: cdn upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("storage: cdn upload failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return s.publicURL + "/" + cleanKey, nil
}
