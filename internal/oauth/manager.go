package oauth

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/singura/singura/internal/credentials"
	apperrors "github.com/singura/singura/internal/errors"
	"github.com/singura/singura/internal/metrics"
	"github.com/singura/singura/internal/models"
	"golang.org/x/sync/singleflight"
)

// expiryMargin is the safety window: credentials expiring within it are
// refreshed before being handed to a consumer.
const expiryMargin = 5 * time.Minute

// ConnectionStore is the slice of the storage layer the manager needs.
type ConnectionStore interface {
	GetConnection(id string) (*models.PlatformConnection, error)
	UpdateConnectionStatus(id string, status models.ConnectionStatus, lastError string) error
}

// Notifier delivers system notifications to the organization's subscribers.
type Notifier interface {
	NotifySystem(organizationID, level, message string)
}

// Manager delivers credentials that are valid now, refreshing them when the
// expiry margin is breached. Refreshes are single-flight per connection.
type Manager struct {
	creds      *credentials.Store
	conns      ConnectionStore
	refreshers map[models.PlatformType]Refresher
	notifier   Notifier

	flight     singleflight.Group
	maxRetries int
	backoff    time.Duration
}

// NewManager builds the lifecycle manager.
func NewManager(creds *credentials.Store, conns ConnectionStore, refreshers map[models.PlatformType]Refresher, notifier Notifier, maxRetries int, backoff time.Duration) *Manager {
	if maxRetries < 1 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Manager{
		creds:      creds,
		conns:      conns,
		refreshers: refreshers,
		notifier:   notifier,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// GetValid returns credentials guaranteed valid for at least the expiry
// margin, refreshing if needed. Returns (nil, nil) when no credentials are
// stored or the refresh token is no longer usable; in the latter case the
// connection is marked errored and a notification is emitted.
func (m *Manager) GetValid(ctx context.Context, connectionID string) (*models.OAuthCredentials, error) {
	creds, err := m.creds.Get(connectionID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, nil
	}
	if !creds.Expired(expiryMargin) {
		return creds, nil
	}

	// Single-flight: a burst of callers on the same expired connection
	// produces exactly one upstream refresh; everyone shares the result.
	result, err, _ := m.flight.Do(connectionID, func() (any, error) {
		return m.refreshLocked(ctx, connectionID)
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*models.OAuthCredentials), nil
}

// refreshLocked performs the actual refresh. Only one goroutine per
// connection id is ever inside this function.
func (m *Manager) refreshLocked(ctx context.Context, connectionID string) (*models.OAuthCredentials, error) {
	// Re-check under the flight: a caller that queued behind a completed
	// refresh should use the fresh row instead of refreshing again.
	creds, err := m.creds.Get(connectionID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, nil
	}
	if !creds.Expired(expiryMargin) {
		return creds, nil
	}

	conn, err := m.conns.GetConnection(connectionID)
	if err != nil {
		return nil, err
	}
	refresher, ok := m.refreshers[conn.PlatformType]
	if !ok {
		return nil, fmt.Errorf("no refresher registered for platform %s", conn.PlatformType)
	}

	next, refreshErr := m.refreshWithRetry(ctx, refresher, conn, creds)
	if refreshErr != nil {
		refreshErr = apperrors.WrapRefreshError(conn.ID, string(conn.PlatformType), refreshErr)
		metrics.RefreshTotal.WithLabelValues(string(conn.PlatformType), refreshOutcome(refreshErr)).Inc()
		m.markRefreshFailed(conn, refreshErr)
		return nil, nil
	}

	if err := m.creds.Store(connectionID, next); err != nil {
		return nil, err
	}
	metrics.RefreshTotal.WithLabelValues(string(conn.PlatformType), "success").Inc()
	log.Info().
		Str("connectionID", connectionID).
		Str("platform", string(conn.PlatformType)).
		Msg("Access token refreshed")
	return next, nil
}

// refreshWithRetry retries transient failures with exponential backoff and
// jitter. invalid_grant is permanent and returns immediately.
func (m *Manager) refreshWithRetry(ctx context.Context, refresher Refresher, conn *models.PlatformConnection, creds *models.OAuthCredentials) (*models.OAuthCredentials, error) {
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if attempt > 0 {
			delay := m.backoff << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		next, err := refresher.Refresh(ctx, creds)
		if err == nil {
			return next, nil
		}
		lastErr = err

		if apperrors.IsInvalidGrant(err) || !apperrors.IsRetryable(err) {
			return nil, err
		}
		log.Warn().
			Err(err).
			Str("connectionID", conn.ID).
			Str("platform", string(conn.PlatformType)).
			Int("attempt", attempt+1).
			Msg("Transient refresh failure, retrying")
	}
	return nil, lastErr
}

// markRefreshFailed transitions the connection to error state and notifies
// the organization. A revoked refresh token needs re-authentication; a
// transient failure that exhausted its retries is treated the same way.
func (m *Manager) markRefreshFailed(conn *models.PlatformConnection, refreshErr error) {
	var lastError string
	if apperrors.IsInvalidGrant(refreshErr) {
		lastError = fmt.Sprintf("refresh_failed: %v; please re-authenticate this connection", refreshErr)
	} else {
		lastError = fmt.Sprintf("refresh_failed: %v; retries exhausted, please re-authenticate", refreshErr)
	}

	if err := m.conns.UpdateConnectionStatus(conn.ID, models.ConnectionError, lastError); err != nil {
		log.Error().Err(err).Str("connectionID", conn.ID).Msg("Failed to mark connection errored")
	}
	if m.notifier != nil {
		m.notifier.NotifySystem(conn.OrganizationID, "error",
			fmt.Sprintf("Connection %s (%s) needs re-authentication", conn.DisplayName, conn.PlatformType))
	}
	log.Warn().
		Str("connectionID", conn.ID).
		Str("platform", string(conn.PlatformType)).
		Str("lastError", lastError).
		Msg("Token refresh failed")
}

// Revoke makes a best-effort remote revocation and always removes the local
// credential row, even when the upstream call fails.
func (m *Manager) Revoke(ctx context.Context, connectionID string) error {
	creds, err := m.creds.Get(connectionID)
	if err != nil {
		return err
	}
	if creds == nil {
		return nil
	}

	conn, err := m.conns.GetConnection(connectionID)
	if err == nil {
		if refresher, ok := m.refreshers[conn.PlatformType]; ok {
			if err := refresher.Revoke(ctx, creds); err != nil {
				log.Warn().
					Err(err).
					Str("connectionID", connectionID).
					Str("platform", string(conn.PlatformType)).
					Msg("Remote token revocation failed, deleting locally anyway")
			}
		}
	}

	return m.creds.Remove(connectionID)
}

func refreshOutcome(err error) string {
	if apperrors.IsInvalidGrant(err) {
		return "invalid_grant"
	}
	return "transient"
}
