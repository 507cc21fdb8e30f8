// Package detect talks to the external object-detection service that turns
// an audit photo into the set of tool labels visible on it.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

type Analyzer interface {
	Analyze(ctx context.Context, photoPath string) ([]string, error)
}

type HTTPAnalyzer struct {
	httpClient *http.Client
	url        string
}

func NewHTTPAnalyzer(url string) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		// Model inference on a constrained box can be slow.
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		url:        url,
	}
}

type detectResponse struct {
	Items []string `json:"items"`
}

// Analyze uploads the photo and returns the detected tool labels. An empty
// slice is a valid result: it means the tray looked empty.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, photoPath string) ([]string, error) {
	f, err := os.Open(photoPath)
	if err != nil {
		return nil, fmt.Errorf("open photo: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(photoPath))
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read photo: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finish upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url+"/v1/detect", &body)
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detect: unexpected status %d", resp.StatusCode)
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode detect response: %w", err)
	}
	return out.Items, nil
}
