package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

// TrustRegistry tracks which apps are verified. An app is verified when
// its callback URL origin matches the origin registered for its app ID.
// The registry seeds from config and can refresh from an SSM parameter.
type TrustRegistry struct {
	mu        sync.RWMutex
	origins   map[string]string
	ssmClient *ssm.Client
	parameter string
}

// NewTrustRegistry creates a trust registry seeded from config
func NewTrustRegistry(ctx context.Context, cfg TrustConfig) (*TrustRegistry, error) {
	r := &TrustRegistry{
		origins:   make(map[string]string),
		parameter: cfg.SSMParameter,
	}
	for _, app := range cfg.VerifiedApps {
		r.origins[app.AppID] = app.Origin
	}

	if cfg.SSMParameter != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.SSMRegion),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		r.ssmClient = ssm.NewFromConfig(awsCfg)
	}

	return r, nil
}

// Verify reports whether the app is registered and its callback URL
// origin matches the registered origin.
func (r *TrustRegistry) Verify(ctx context.Context, appID, callbackURL string) bool {
	r.mu.RLock()
	origin, ok := r.origins[appID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	registered, err := url.Parse(origin)
	if err != nil {
		log.Warn().Str("app_id", appID).Str("origin", origin).Msg("Registered origin is not a valid URL")
		return false
	}
	callback, err := url.Parse(callbackURL)
	if err != nil {
		return false
	}

	return callback.Scheme == registered.Scheme && callback.Host == registered.Host
}

// RefreshFromSSM replaces the registry contents with the verified app
// list held in the configured SSM parameter. The parameter value is a
// JSON array of {app_id, origin} objects.
func (r *TrustRegistry) RefreshFromSSM(ctx context.Context) error {
	if r.ssmClient == nil {
		return nil
	}

	withDecryption := true
	result, err := r.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &r.parameter,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch verified apps parameter: %w", err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return fmt.Errorf("verified apps parameter %s has no value", r.parameter)
	}

	var apps []VerifiedApp
	if err := json.Unmarshal([]byte(*result.Parameter.Value), &apps); err != nil {
		return fmt.Errorf("failed to parse verified apps parameter: %w", err)
	}

	origins := make(map[string]string, len(apps))
	for _, app := range apps {
		origins[app.AppID] = app.Origin
	}

	r.mu.Lock()
	r.origins = origins
	r.mu.Unlock()

	log.Info().Int("count", len(apps)).Str("parameter", r.parameter).Msg("Refreshed verified app registry")
	return nil
}

// Count returns the number of registered apps
func (r *TrustRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.origins)
}
