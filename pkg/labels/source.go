package labels

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/canopy-network/entityx/pkg/config"
	"github.com/canopy-network/entityx/pkg/db/models/entity"
	"github.com/canopy-network/entityx/pkg/retry"
	"github.com/canopy-network/entityx/pkg/utils"
	"gopkg.in/yaml.v3"
)

// maxFeedBytes bounds one label document.
const maxFeedBytes = 64 << 20

// Source is an external label feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]entity.RawLabel, error)
}

// feed is the document shape accepted from files and HTTP sources. A bare
// list of labels is accepted too.
type feed struct {
	Version string            `json:"version" yaml:"version"`
	Labels  []entity.RawLabel `json:"labels" yaml:"labels"`
}

func decodeFeed(raw []byte, asYAML bool) (feed, error) {
	var f feed
	trimmed := strings.TrimSpace(string(raw))
	if asYAML {
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "[") {
			return f, yaml.Unmarshal(raw, &f.Labels)
		}
		return f, yaml.Unmarshal(raw, &f)
	}
	if strings.HasPrefix(trimmed, "[") {
		return f, json.Unmarshal(raw, &f.Labels)
	}
	return f, json.Unmarshal(raw, &f)
}

// stamp fills source name and version on every label. A feed without a
// version is versioned by its content hash.
func stamp(name string, f feed, raw []byte) []entity.RawLabel {
	version := f.Version
	if version == "" {
		sum := sha256.Sum256(raw)
		version = hex.EncodeToString(sum[:8])
	}
	for i := range f.Labels {
		f.Labels[i].SourceName = name
		f.Labels[i].SourceVersion = version
	}
	return f.Labels
}

// FileSource reads a YAML or JSON label document from disk.
type FileSource struct {
	name string
	path string
}

// NewFileSource builds a file source. Files ending in .json are decoded as
// JSON, anything else as YAML.
func NewFileSource(name, path string) *FileSource {
	return &FileSource{name: name, path: path}
}

func (s *FileSource) Name() string { return s.name }

func (s *FileSource) Fetch(ctx context.Context) ([]entity.RawLabel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("read %s: %w", s.path, err))
	}
	f, err := decodeFeed(raw, !strings.EqualFold(filepath.Ext(s.path), ".json"))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode %s: %w", s.path, err))
	}
	return stamp(s.name, f, raw), nil
}

// HTTPSource fetches a JSON label document with GET.
type HTTPSource struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPSource builds an HTTP source. A nil client gets a 30s timeout client.
func NewHTTPSource(name, url string, headers map[string]string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{name: name, url: url, headers: headers, client: client}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context) ([]entity.RawLabel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.url, err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("get %s: unexpected status %d", s.url, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.url, err)
	}
	f, err := decodeFeed(raw, false)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode %s: %w", s.url, err))
	}
	return stamp(s.name, f, raw), nil
}

// SourcesFromConfig builds the configured label sources.
func SourcesFromConfig(cfg *config.Config, client *http.Client) []Source {
	out := make([]Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		switch s.Kind {
		case "file":
			out = append(out, NewFileSource(s.Name, s.Location))
		case "http":
			out = append(out, NewHTTPSource(s.Name, s.Location, s.Headers, client))
		}
	}
	return out
}
