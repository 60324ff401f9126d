package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
)

// maxModuleBytes bounds a fetched module body
const maxModuleBytes = 4 << 20

var (
	// ErrModuleNotFound is returned when the module resource does not exist
	ErrModuleNotFound = errors.New("wasm module not found")

	// ErrMissingExport is returned when the module lacks the aggregate export or memory
	ErrMissingExport = errors.New("wasm module missing required export")
)

// fetchModule reads the module from an http(s) URL or a local file path
func fetchModule(ctx context.Context, client *http.Client, location string) ([]byte, error) {
	if location == "" {
		return nil, ErrModuleNotFound
	}

	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return fetchHTTP(ctx, client, location)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(strings.TrimPrefix(location, "file://"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	return data, nil
}

func fetchHTTP(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch module: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch module: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModuleBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read module body: %w", err)
	}
	if len(data) > maxModuleBytes {
		return nil, fmt.Errorf("module exceeds %d bytes", maxModuleBytes)
	}
	return data, nil
}
