package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keymeld/connect-host/connect"
	"github.com/rs/zerolog/log"
)

const (
	metadataPath     = "/.well-known/keymeld.json"
	metadataMaxBytes = 64 * 1024
)

// HTTPMetadataFetcher retrieves app metadata from the app's well-known endpoint
type HTTPMetadataFetcher struct {
	client *http.Client
}

// NewHTTPMetadataFetcher creates a metadata fetcher with a bounded timeout
func NewHTTPMetadataFetcher() *HTTPMetadataFetcher {
	return &HTTPMetadataFetcher{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch retrieves metadata published by the app. A 404 means the app
// publishes none, which is not an error.
func (f *HTTPMetadataFetcher) Fetch(ctx context.Context, appID, appURL string) (*connect.AppMetadata, error) {
	if appURL == "" {
		return nil, nil
	}

	url := strings.TrimSuffix(appURL, "/") + metadataPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Debug().Str("app_id", appID).Str("url", url).Msg("App publishes no metadata")
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, metadataMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata response: %w", err)
	}

	var meta connect.AppMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	// Published metadata must belong to the app that sent the handshake
	if meta.AppID != "" && meta.AppID != appID {
		return nil, fmt.Errorf("metadata app_id %q does not match handshake app_id %q", meta.AppID, appID)
	}
	meta.AppID = appID

	log.Debug().Str("app_id", appID).Str("name", meta.Name).Msg("Fetched app metadata")
	return &meta, nil
}
