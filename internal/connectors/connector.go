// Package connectors normalizes per-platform app inventories and activity
// feeds into the canonical automation and event shapes. One connector per
// platform; everything platform specific stays inside this package.
package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	apperrors "github.com/singura/singura/internal/errors"
	"github.com/singura/singura/internal/metrics"
	"github.com/singura/singura/internal/models"
	"github.com/sony/gobreaker"
)

// Connector is the uniform capability set all platforms implement.
type Connector interface {
	// Platform returns the platform this connector serves.
	Platform() models.PlatformType

	// ListAutomations enumerates bots, apps, scripts and service accounts
	// visible to the connection.
	ListAutomations(ctx context.Context, conn *models.PlatformConnection, creds *models.OAuthCredentials) ([]*models.DiscoveredAutomation, error)

	// StreamActivity emits normalized activity events between since and
	// until. The sequence is finite and not restartable within one call;
	// the channel closes when the window is exhausted. A non-nil value on
	// the error channel means the stream ended early.
	StreamActivity(ctx context.Context, conn *models.PlatformConnection, creds *models.OAuthCredentials, since, until time.Time) (<-chan models.ActivityEvent, <-chan error)
}

const (
	maxRateLimitRetries = 3
	maxRetryAfterWait   = 30 * time.Second
)

// platformClient is the shared HTTP plumbing: bearer auth, JSON decoding,
// Retry-After handling and a circuit breaker per platform host.
type platformClient struct {
	platform models.PlatformType
	baseURL  string
	hc       *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func newPlatformClient(platform models.PlatformType, baseURL string, hc *http.Client) *platformClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &platformClient{
		platform: platform,
		baseURL:  baseURL,
		hc:       hc,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(platform),
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("platform", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Platform circuit breaker state change")
			},
		}),
	}
}

// getJSON performs an authenticated GET and decodes the response body,
// honoring Retry-After on 429s with a bounded number of waits.
func (c *platformClient) getJSON(ctx context.Context, path string, accessToken string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRateLimitRetries; attempt++ {
		body, err := c.breaker.Execute(func() (any, error) {
			return c.doOnce(ctx, u, accessToken)
		})
		if err == nil {
			return json.Unmarshal(body.([]byte), out)
		}
		lastErr = err

		retryAfter, limited := apperrors.RetryAfter(err)
		if !limited {
			return err
		}
		if retryAfter > maxRetryAfterWait {
			retryAfter = maxRetryAfterWait
		}
		log.Debug().
			Str("platform", string(c.platform)).
			Dur("retryAfter", retryAfter).
			Int("attempt", attempt+1).
			Msg("Rate limited, backing off")
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *platformClient) doOnce(ctx context.Context, u, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.KindUnavailable, "platform_request", "", err).
			WithPlatform(string(c.platform))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.WrapRateLimit("platform_request", "", parseRetryAfter(resp))
	case resp.StatusCode >= 500:
		return nil, apperrors.New(apperrors.KindUnavailable, "platform_request", "",
			fmt.Errorf("platform returned %d", resp.StatusCode)).
			WithPlatform(string(c.platform)).
			WithStatusCode(resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, apperrors.New(apperrors.KindInternal, "platform_request", "",
			fmt.Errorf("platform returned %d", resp.StatusCode)).
			WithPlatform(string(c.platform)).
			WithStatusCode(resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 2 * time.Second
}

// emitEvent validates and sends one normalized event downstream. Events with
// a missing actor or timestamp never propagate; they are dropped and counted.
func emitEvent(ctx context.Context, out chan<- models.ActivityEvent, platform models.PlatformType, ev models.ActivityEvent) bool {
	if ev.ExternalActorID == "" || ev.Timestamp.IsZero() {
		metrics.DroppedEvents.WithLabelValues(string(platform)).Inc()
		log.Debug().
			Str("platform", string(platform)).
			Str("actionType", string(ev.ActionType)).
			Msg("Dropped malformed activity event")
		return true
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
