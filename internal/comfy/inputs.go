package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/workflow"
)

// InputDownloader fetches remote input files referenced by a prompt into ComfyUI's input
// directory and rewrites the prompt to use the local filenames.
type InputDownloader struct {
	hosts       map[string]bool
	dir         string
	concurrency int
	httpClient  *http.Client
	logger      *utils.LogsManager
}

func NewInputDownloader(cm *utils.ConfigManager, logger *utils.LogsManager) *InputDownloader {
	hosts := map[string]bool{}
	for _, host := range cm.GetConfigSlice("input_download_hosts", nil) {
		hosts[strings.ToLower(host)] = true
	}

	return &InputDownloader{
		hosts:       hosts,
		dir:         utils.GetComfyPaths(cm).InputDir,
		concurrency: cm.GetConfigInt("input_download_concurrency", 3, 1, 32),
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		logger:      logger,
	}
}

// IsTarget reports whether value is an https URL on an allow-listed host
func (d *InputDownloader) IsTarget(value string) bool {
	if !strings.HasPrefix(value, "https://") {
		return false
	}
	u, err := url.Parse(value)
	if err != nil {
		return false
	}
	return d.hosts[strings.ToLower(u.Hostname())]
}

// Localize downloads every targeted URL in the prompt's inputs and replaces it with the
// local filename. Failed downloads keep the original URL. Returns the number of replaced values.
func (d *InputDownloader) Localize(ctx context.Context, prompt workflow.Prompt) (int, error) {
	if len(d.hosts) == 0 {
		return 0, nil
	}

	urls := map[string]bool{}
	for _, node := range prompt {
		if node == nil || node.Inputs == nil {
			continue
		}
		for _, key := range node.Inputs.Keys() {
			value, _ := node.Inputs.Get(key)
			d.collect(decodeValue(value), urls)
		}
	}
	if len(urls) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return 0, types.WrapIO(err, "failed to create input directory")
	}

	var mu sync.Mutex
	replacements := map[string]string{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for rawURL := range urls {
		g.Go(func() error {
			filename, err := d.download(gctx, rawURL)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.logger.Error(fmt.Sprintf("Failed to download input %s: %v", rawURL, err), "comfy")
				return nil
			}
			mu.Lock()
			replacements[rawURL] = filename
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	replaced := 0
	for _, node := range prompt {
		if node == nil || node.Inputs == nil {
			continue
		}
		for _, key := range node.Inputs.Keys() {
			value, _ := node.Inputs.Get(key)
			decoded := decodeValue(value)
			updated, n := d.replace(decoded, replacements)
			if n == 0 {
				continue
			}
			encoded, err := json.Marshal(updated)
			if err != nil {
				return replaced, fmt.Errorf("failed to encode input %s: %w", key, err)
			}
			node.Inputs.Set(key, encoded)
			replaced += n
		}
	}

	return replaced, nil
}

func decodeValue(raw json.RawMessage) interface{} {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	return value
}

func (d *InputDownloader) collect(value interface{}, urls map[string]bool) {
	switch v := value.(type) {
	case string:
		if d.IsTarget(v) {
			urls[v] = true
		}
	case []interface{}:
		for _, item := range v {
			d.collect(item, urls)
		}
	case map[string]interface{}:
		for _, item := range v {
			d.collect(item, urls)
		}
	}
}

func (d *InputDownloader) replace(value interface{}, replacements map[string]string) (interface{}, int) {
	switch v := value.(type) {
	case string:
		if filename, ok := replacements[v]; ok {
			d.logger.Info(fmt.Sprintf("Replaced URL %s with %s", v, filename), "comfy")
			return filename, 1
		}
		return v, 0
	case []interface{}:
		total := 0
		for i, item := range v {
			updated, n := d.replace(item, replacements)
			v[i] = updated
			total += n
		}
		return v, total
	case map[string]interface{}:
		total := 0
		for key, item := range v {
			updated, n := d.replace(item, replacements)
			v[key] = updated
			total += n
		}
		return v, total
	}
	return value, 0
}

func (d *InputDownloader) download(ctx context.Context, rawURL string) (string, error) {
	filename := UniqueInputName(rawURL)
	target := filepath.Join(d.dir, filename)

	d.logger.Info(fmt.Sprintf("Downloading input %s -> %s", rawURL, filename), "comfy")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	file, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(target)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(target)
		return "", err
	}

	return filename, nil
}

// UniqueInputName derives `<base>_<8 hex chars><ext>` from the last path segment of a URL
func UniqueInputName(rawURL string) string {
	segment := ""
	if u, err := url.Parse(rawURL); err == nil {
		segment = path.Base(u.Path)
	}
	if segment == "" || segment == "." || segment == "/" {
		segment = "input"
	}

	ext := path.Ext(segment)
	base := strings.TrimSuffix(segment, ext)
	if base == "" {
		base = "input"
	}

	return fmt.Sprintf("%s_%s%s", base, uuid.New().String()[:8], ext)
}
