// Package remote provides a [segment.ContextSegmenter] backed by an HTTP
// sentence-splitting service, such as a model server wrapping an NLP toolkit.
//
// The service contract is a single JSON endpoint:
//
//	POST {base}/segment  {"text": "...", "language": "zh"}
//	200                  {"sentences": ["...", "..."]}
//
// Services commonly strip whitespace from the sentences they return. The
// segmenter re-anchors every sentence in the original text so that the
// returned fragments always join back to the input.
//
// Typical usage:
//
//	s := remote.New("http://localhost:9000",
//	    remote.WithLanguage("zh"),
//	    remote.WithTimeout(500*time.Millisecond),
//	)
//	frags, err := s.Segment(ctx, text)
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/segstream/pkg/segment"
)

var _ segment.ContextSegmenter = (*Segmenter)(nil)

const (
	defaultTimeout  = 2 * time.Second
	segmentEndpoint = "/segment"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 4 << 20
)

// ErrMisaligned is returned when a sentence from the service cannot be found
// in the submitted text.
var ErrMisaligned = errors.New("remote: sentence not found in input")

// Option is a functional option for configuring a Segmenter.
type Option func(*Segmenter)

// WithTimeout sets the per-request HTTP timeout. Defaults to 2 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Segmenter) {
		s.httpClient.Timeout = d
	}
}

// WithLanguage sets the language hint sent with every request.
func WithLanguage(lang string) Option {
	return func(s *Segmenter) {
		s.language = lang
	}
}

// WithAPIKey sets a bearer token sent in the Authorization header.
func WithAPIKey(key string) Option {
	return func(s *Segmenter) {
		s.apiKey = key
	}
}

// WithHTTPClient replaces the HTTP client. The timeout configured with
// WithTimeout is applied to the supplied client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Segmenter) {
		timeout := s.httpClient.Timeout
		s.httpClient = c
		if c.Timeout == 0 {
			c.Timeout = timeout
		}
	}
}

// Segmenter calls a remote sentence-splitting service.
type Segmenter struct {
	baseURL    string
	language   string
	apiKey     string
	httpClient *http.Client
}

// New creates a Segmenter for the service at baseURL.
func New(baseURL string, opts ...Option) *Segmenter {
	s := &Segmenter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type segmentRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type segmentResponse struct {
	Sentences []string `json:"sentences"`
}

// Segment sends text to the service and returns the re-anchored sentences.
func (s *Segmenter) Segment(ctx context.Context, text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	data, err := json.Marshal(segmentRequest{Text: text, Language: s.language})
	if err != nil {
		return nil, fmt.Errorf("remote: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+segmentEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("remote: create segment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: POST %s: %w", segmentEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote: POST %s returned status %d", segmentEndpoint, resp.StatusCode)
	}

	var out segmentResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("remote: decode response: %w", err)
	}
	return anchor(text, out.Sentences)
}

// anchor maps sentences back onto text. Each fragment runs from the start of
// its sentence to the start of the next one, so the gaps the service dropped
// (whitespace, mostly) are kept. Text before the first sentence joins the
// first fragment.
func anchor(text string, sentences []string) ([]string, error) {
	starts := make([]int, 0, len(sentences))
	pos := 0
	for _, sen := range sentences {
		sen = strings.TrimSpace(sen)
		if sen == "" {
			continue
		}
		i := strings.Index(text[pos:], sen)
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMisaligned, sen)
		}
		starts = append(starts, pos+i)
		pos += i + len(sen)
	}
	if len(starts) == 0 {
		return []string{text}, nil
	}
	starts[0] = 0

	frags := make([]string, len(starts))
	for k, st := range starts {
		end := len(text)
		if k+1 < len(starts) {
			end = starts[k+1]
		}
		frags[k] = text[st:end]
	}
	return frags, nil
}
