// Package oauth owns the credential lifecycle: expiry detection, platform
// specific refresh, single-flight concurrency control and revocation.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/singura/singura/internal/errors"
	"github.com/singura/singura/internal/models"
	"golang.org/x/oauth2"
)

// Default token endpoints. Overridden in tests via the refresher structs.
const (
	GoogleTokenURL       = "https://oauth2.googleapis.com/token"
	GoogleRevokeURL      = "https://oauth2.googleapis.com/revoke"
	SlackTokenURL        = "https://slack.com/api/oauth.v2.access"
	SlackRevokeURL       = "https://slack.com/api/auth.revoke"
	microsoftTokenURLFmt = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

// Refresher exchanges a refresh token for new credentials and revokes
// tokens upstream. One implementation per platform.
type Refresher interface {
	Refresh(ctx context.Context, creds *models.OAuthCredentials) (*models.OAuthCredentials, error)
	Revoke(ctx context.Context, creds *models.OAuthCredentials) error
}

// endpointRefresher implements the standard refresh_token grant through
// golang.org/x/oauth2. Google and Microsoft both speak this dialect.
type endpointRefresher struct {
	platform     models.PlatformType
	clientID     string
	clientSecret string
	tokenURL     string
	revokeURL    string // empty means no remote revoke endpoint
	client       *http.Client
}

// NewGoogleRefresher builds the Google refresher.
func NewGoogleRefresher(clientID, clientSecret string, client *http.Client) Refresher {
	return &endpointRefresher{
		platform:     models.PlatformGoogle,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     GoogleTokenURL,
		revokeURL:    GoogleRevokeURL,
		client:       client,
	}
}

// NewMicrosoftRefresher builds the Microsoft refresher. The tenant id is
// part of the token URL path.
func NewMicrosoftRefresher(clientID, clientSecret, tenantID string, client *http.Client) Refresher {
	return &endpointRefresher{
		platform:     models.PlatformMicrosoft,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     fmt.Sprintf(microsoftTokenURLFmt, tenantID),
		client:       client,
	}
}

// NewEndpointRefresher builds a standard refresher against an explicit token
// URL. Tests point this at an httptest server.
func NewEndpointRefresher(platform models.PlatformType, clientID, clientSecret, tokenURL, revokeURL string, client *http.Client) Refresher {
	return &endpointRefresher{
		platform:     platform,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		revokeURL:    revokeURL,
		client:       client,
	}
}

func (r *endpointRefresher) Refresh(ctx context.Context, creds *models.OAuthCredentials) (*models.OAuthCredentials, error) {
	if creds.RefreshToken == "" {
		return nil, apperrors.New(apperrors.KindRefresh, "refresh_token", "",
			fmt.Errorf("%w: no refresh token on record", apperrors.ErrInvalidGrant))
	}

	cfg := &oauth2.Config{
		ClientID:     r.clientID,
		ClientSecret: r.clientSecret,
		// Pinning the auth style stops the library from probing both
		// styles, which would hit the endpoint twice on failure.
		Endpoint: oauth2.Endpoint{TokenURL: r.tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	next := &models.OAuthCredentials{
		AccessToken:      token.AccessToken,
		RefreshToken:     creds.RefreshToken,
		Scope:            creds.Scope,
		TokenType:        token.TokenType,
		PlatformSpecific: creds.PlatformSpecific,
	}
	// Preserve the existing refresh token unless the server rotated it.
	if token.RefreshToken != "" {
		next.RefreshToken = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		next.ExpiresAt = &expiry
	}
	return next, nil
}

func (r *endpointRefresher) Revoke(ctx context.Context, creds *models.OAuthCredentials) error {
	if r.revokeURL == "" {
		return nil
	}

	form := url.Values{"token": {creds.AccessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("revoke returned status %d", resp.StatusCode)
	}
	return nil
}

func (r *endpointRefresher) httpClient() *http.Client {
	if r.client != nil {
		return r.client
	}
	return http.DefaultClient
}

// classifyRefreshError maps oauth2 retrieval errors onto the refresh error
// taxonomy: invalid_grant is permanent, 5xx and transport errors retriable.
func classifyRefreshError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if retrieve.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: refresh token revoked or expired", apperrors.ErrInvalidGrant)
		}
		if retrieve.Response != nil && retrieve.Response.StatusCode >= 500 {
			return apperrors.New(apperrors.KindUnavailable, "refresh_token", "",
				fmt.Errorf("token endpoint returned %d", retrieve.Response.StatusCode)).
				WithStatusCode(retrieve.Response.StatusCode)
		}
		return fmt.Errorf("token endpoint rejected refresh: %w", err)
	}
	// Transport-level failure; worth retrying.
	return apperrors.New(apperrors.KindUnavailable, "refresh_token", "", err)
}

// slackRefresher speaks Slack's oauth.v2.access envelope, which wraps
// errors in {"ok":false,"error":"..."} rather than standard OAuth bodies.
// Slack supports refresh token rotation: every refresh returns a new
// refresh token that replaces the old one.
type slackRefresher struct {
	clientID     string
	clientSecret string
	tokenURL     string
	revokeURL    string
	client       *http.Client
}

// NewSlackRefresher builds the Slack refresher.
func NewSlackRefresher(clientID, clientSecret string, client *http.Client) Refresher {
	return &slackRefresher{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     SlackTokenURL,
		revokeURL:    SlackRevokeURL,
		client:       client,
	}
}

// NewSlackRefresherWithURLs is the test hook for Slack endpoints.
func NewSlackRefresherWithURLs(clientID, clientSecret, tokenURL, revokeURL string, client *http.Client) Refresher {
	return &slackRefresher{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		revokeURL:    revokeURL,
		client:       client,
	}
}

type slackTokenResponse struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
}

func (r *slackRefresher) Refresh(ctx context.Context, creds *models.OAuthCredentials) (*models.OAuthCredentials, error) {
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token on record", apperrors.ErrInvalidGrant)
	}

	form := url.Values{
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {creds.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.KindUnavailable, "refresh_token", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, apperrors.New(apperrors.KindUnavailable, "refresh_token", "",
			fmt.Errorf("slack token endpoint returned %d", resp.StatusCode)).
			WithStatusCode(resp.StatusCode)
	}

	var body slackTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode slack token response: %w", err)
	}
	if !body.OK {
		if body.Error == "invalid_grant" || body.Error == "invalid_refresh_token" || body.Error == "token_revoked" {
			return nil, fmt.Errorf("%w: slack reports %s", apperrors.ErrInvalidGrant, body.Error)
		}
		return nil, fmt.Errorf("slack refresh rejected: %s", body.Error)
	}

	next := &models.OAuthCredentials{
		AccessToken:      body.AccessToken,
		RefreshToken:     creds.RefreshToken,
		Scope:            body.Scope,
		TokenType:        body.TokenType,
		PlatformSpecific: creds.PlatformSpecific,
	}
	if next.Scope == "" {
		next.Scope = creds.Scope
	}
	if body.RefreshToken != "" {
		next.RefreshToken = body.RefreshToken
	}
	if body.ExpiresIn > 0 {
		expiry := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
		next.ExpiresAt = &expiry
	}
	return next, nil
}

func (r *slackRefresher) Revoke(ctx context.Context, creds *models.OAuthCredentials) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.revokeURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode slack revoke response: %w", err)
	}
	if !body.OK {
		return fmt.Errorf("slack revoke failed: %s", body.Error)
	}
	return nil
}

func (r *slackRefresher) httpClient() *http.Client {
	if r.client != nil {
		return r.client
	}
	return http.DefaultClient
}
