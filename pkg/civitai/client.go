// Package civitai is a minimal client for the Civitai REST API covering the
// two operations the conversion workflow needs: fetching model version
// metadata and downloading model files, with resume support.
package civitai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sdxl-tools/sdgguf/pkg/logging"
)

// DefaultBaseURL is the public Civitai API endpoint.
const DefaultBaseURL = "https://civitai.com"

var (
	ErrNotFound     = errors.New("model version not found")
	ErrUnauthorized = errors.New("unauthorized: a valid Civitai API token is required")
	ErrNoModelFile  = errors.New("model version has no downloadable model file")
)

// ModelVersion is the subset of the model-version payload the workflow uses.
type ModelVersion struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	BaseModel   string `json:"baseModel"`
	DownloadURL string `json:"downloadUrl"`
	Model       struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"model"`
	Files []ModelFile `json:"files"`
}

// ModelFile describes one downloadable file of a model version.
type ModelFile struct {
	Name        string  `json:"name"`
	SizeKB      float64 `json:"sizeKB"`
	Type        string  `json:"type"`
	Primary     bool    `json:"primary"`
	DownloadURL string  `json:"downloadUrl"`
	Hashes      struct {
		SHA256 string `json:"SHA256"`
	} `json:"hashes"`
	Metadata struct {
		Format string `json:"format"`
		Size   string `json:"size"`
		Fp     string `json:"fp"`
	} `json:"metadata"`
}

// PrimaryFile returns the file that should be downloaded for the version:
// the primary model file when flagged, otherwise the first safetensors model
// file.
func (v *ModelVersion) PrimaryFile() (*ModelFile, error) {
	for i := range v.Files {
		if v.Files[i].Primary {
			return &v.Files[i], nil
		}
	}
	for i := range v.Files {
		f := &v.Files[i]
		if f.Type == "Model" && strings.HasSuffix(strings.ToLower(f.Name), ".safetensors") {
			return f, nil
		}
	}
	return nil, ErrNoModelFile
}

// Client talks to the Civitai API. The zero value is not usable; construct
// with NewClient.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dl      *http.Client
	log     logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, primarily for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client for both metadata
// requests and downloads.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
		c.dl = h
	}
}

// NewClient returns a Client. token may be empty; public models download
// without one.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		// Metadata requests are small; downloads use a separate client
		// without an overall timeout since checkpoints run to gigabytes.
		http: &http.Client{Timeout: 30 * time.Second},
		dl:   &http.Client{},
		log:  logging.NewComponentLogger("civitai"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetModelVersion fetches metadata for the given model version ID.
func (c *Client) GetModelVersion(ctx context.Context, versionID int64) (*ModelVersion, error) {
	u := fmt.Sprintf("%s/api/v1/model-versions/%d", c.baseURL, versionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build model version request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch model version %d: %w", versionID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("model version %d: %w", versionID, ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("model version %d: %w", versionID, ErrUnauthorized)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch model version %d: unexpected status %s: %s", versionID, resp.Status, strings.TrimSpace(string(body)))
	}

	var version ModelVersion
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return nil, fmt.Errorf("decode model version %d: %w", versionID, err)
	}
	return &version, nil
}

// downloadURL resolves a file's download URL against the client base URL and
// appends the API token as a query parameter, which is how Civitai
// authenticates downloads.
func (c *Client) downloadURL(file *ModelFile) (string, error) {
	raw := file.DownloadURL
	if raw == "" {
		return "", fmt.Errorf("file %q has no download URL", file.Name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse download URL for %q: %w", file.Name, err)
	}
	if !u.IsAbs() {
		base, err := url.Parse(c.baseURL)
		if err != nil {
			return "", fmt.Errorf("parse base URL: %w", err)
		}
		u = base.ResolveReference(u)
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
