package clash

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	// Lightweight endpoint every valid token may call
	validationEndpoint = "/cards"

	defaultValidationTimeout = 10 * time.Second
)

// TokenValidator checks API tokens by making a test request
type TokenValidator struct {
	httpClient *http.Client
	baseURL    string
}

// TokenValidatorOption configures a TokenValidator
type TokenValidatorOption func(*TokenValidator)

// WithValidatorBaseURL sets a custom base URL (useful for testing)
func WithValidatorBaseURL(u string) TokenValidatorOption {
	return func(v *TokenValidator) { v.baseURL = u }
}

// WithValidatorTimeout sets a custom timeout for validation requests
func WithValidatorTimeout(timeout time.Duration) TokenValidatorOption {
	return func(v *TokenValidator) { v.httpClient.Timeout = timeout }
}

// NewTokenValidator creates a new TokenValidator with the given options
func NewTokenValidator(opts ...TokenValidatorOption) *TokenValidator {
	v := &TokenValidator{
		httpClient: &http.Client{Timeout: defaultValidationTimeout},
		baseURL:    DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateToken validates a token against the API.
// Returns:
//   - (true, nil) if the token is valid
//   - (false, nil) if the token is rejected (401/403)
//   - (false, error) if validity could not be determined
func (v *TokenValidator) ValidateToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, fmt.Errorf("API token cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+validationEndpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}
