package connect

import "context"

// AppMetadata is the published identity of an app, fetched out of band from
// the app's well-known endpoint rather than trusted from the handshake.
type AppMetadata struct {
	AppID       string `json:"app_id"`
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// MetadataFetcher retrieves published metadata for an app. A nil result
// with a nil error means the app publishes none.
type MetadataFetcher interface {
	Fetch(ctx context.Context, appID, appURL string) (*AppMetadata, error)
}

// AppVerifier reports whether an app identity and callback pair is on the
// trusted registry. Unknown apps are simply unverified, not errors.
type AppVerifier interface {
	Verify(ctx context.Context, appID, callbackURL string) bool
}
