package devicemodel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"
)

// Fetcher retrieves the raw DTDL document for one model ID.
// A source that does not hold the model must return an error wrapping
// ErrModelNotFound so that a Chain can try the next source.
type Fetcher interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// DefaultPublicURL is the public Azure IoT models repository.
const DefaultPublicURL = "https://devicemodels.azure.com"

const (
	defaultFetchTimeout = 10 * time.Second

	// maxDocumentSize bounds a single model document.
	maxDocumentSize = 4 << 20
)

// HTTPSource fetches models from a repository served over HTTP, such as the
// public repository or a raw GitHub URL of a private one.
//
// Thread Safety: safe for concurrent use.
type HTTPSource struct {
	name       string
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPSource creates a source for baseURL.
//
// Parameters:
//   - name: Label used in errors and logs ("public", "private")
//   - baseURL: Repository root; the model path is appended
//   - token: Optional token sent as "Authorization: token <token>"
//   - timeout: Per-request timeout; zero selects a default of 10s
func NewHTTPSource(name, baseURL, token string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &HTTPSource{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the source label.
func (s *HTTPSource) Name() string { return s.name }

// Fetch downloads the document for id.
func (s *HTTPSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	path, err := ModelPath(id)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+path, nil)
	if err != nil {
		return nil, &FetchError{ModelID: id, Source: s.name, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "token "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{ModelID: id, Source: s.name, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, &FetchError{ModelID: id, Source: s.name, StatusCode: resp.StatusCode, Err: ErrModelNotFound}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &FetchError{ModelID: id, Source: s.name, StatusCode: resp.StatusCode, Err: ErrUnauthorized}
	default:
		return nil, &FetchError{ModelID: id, Source: s.name, StatusCode: resp.StatusCode, Err: errors.New("unexpected response")}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, &FetchError{ModelID: id, Source: s.name, Err: fmt.Errorf("reading body: %w", err)}
	}
	if len(data) > maxDocumentSize {
		return nil, &FetchError{ModelID: id, Source: s.name, Err: errors.New("document too large")}
	}
	return data, nil
}

// FSSource reads models from a file system laid out like a repository,
// for example a checked-out copy of the models repository.
type FSSource struct {
	name string
	fsys fs.FS
}

// NewFSSource creates a source backed by fsys.
func NewFSSource(name string, fsys fs.FS) *FSSource {
	return &FSSource{name: name, fsys: fsys}
}

// Fetch reads the document for id.
func (s *FSSource) Fetch(_ context.Context, id string) ([]byte, error) {
	path, err := ModelPath(id)
	if err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(s.fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &FetchError{ModelID: id, Source: s.name, Err: ErrModelNotFound}
	}
	if err != nil {
		return nil, &FetchError{ModelID: id, Source: s.name, Err: err}
	}
	return data, nil
}

// Chain tries each source in order and returns the first document found.
// Only a not-found result moves on to the next source; any other failure
// is returned as is.
type Chain []Fetcher

// Fetch implements Fetcher.
func (c Chain) Fetch(ctx context.Context, id string) ([]byte, error) {
	var lastErr error
	for _, f := range c {
		data, err := f.Fetch(ctx, id)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrModelNotFound) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &FetchError{ModelID: id, Source: "none", Err: ErrModelNotFound}
	}
	return nil, lastErr
}

// SourceConfig describes where models come from.
type SourceConfig struct {
	PublicURL  string
	PrivateURL string
	Token      string
	LocalDir   string
	Timeout    time.Duration
}

// NewSources builds the source chain: local directory, then the private
// repository, then the public one.
func NewSources(cfg SourceConfig) Chain {
	var chain Chain
	if cfg.LocalDir != "" {
		chain = append(chain, NewFSSource("local", os.DirFS(cfg.LocalDir)))
	}
	if cfg.PrivateURL != "" {
		chain = append(chain, NewHTTPSource("private", cfg.PrivateURL, cfg.Token, cfg.Timeout))
	}
	public := cfg.PublicURL
	if public == "" {
		public = DefaultPublicURL
	}
	return append(chain, NewHTTPSource("public", public, "", cfg.Timeout))
}
