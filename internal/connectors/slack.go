package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/singura/singura/internal/models"
)

// SlackConnector discovers bot users and installed apps in a Slack
// workspace and normalizes integration activity logs.
type SlackConnector struct {
	client *platformClient
}

// NewSlackConnector builds a Slack connector. baseURL defaults to the
// public API; tests point it at a local server.
func NewSlackConnector(baseURL string, hc *http.Client) *SlackConnector {
	if baseURL == "" {
		baseURL = "https://slack.com"
	}
	return &SlackConnector{client: newPlatformClient(models.PlatformSlack, baseURL, hc)}
}

func (c *SlackConnector) Platform() models.PlatformType { return models.PlatformSlack }

type slackUsersResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Members []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		IsBot   bool   `json:"is_bot"`
		Deleted bool   `json:"deleted"`
		Profile struct {
			RealName string `json:"real_name"`
			ApiAppID string `json:"api_app_id"`
		} `json:"profile"`
	} `json:"members"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// ListAutomations enumerates bot users via users.list, paginating with
// cursors until exhausted.
func (c *SlackConnector) ListAutomations(ctx context.Context, conn *models.PlatformConnection, creds *models.OAuthCredentials) ([]*models.DiscoveredAutomation, error) {
	var out []*models.DiscoveredAutomation
	cursor := ""

	for {
		query := url.Values{"limit": {"200"}}
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var resp slackUsersResponse
		if err := c.client.getJSON(ctx, "/api/users.list", creds.AccessToken, query, &resp); err != nil {
			return out, err
		}
		if !resp.OK {
			return out, fmt.Errorf("slack users.list failed: %s", resp.Error)
		}

		for _, m := range resp.Members {
			if !m.IsBot || m.Deleted {
				continue
			}
			meta, _ := json.Marshal(map[string]string{
				"apiAppId":  m.Profile.ApiAppID,
				"workspace": conn.WorkspaceID,
			})
			out = append(out, &models.DiscoveredAutomation{
				OrganizationID:       conn.OrganizationID,
				PlatformConnectionID: conn.ID,
				ExternalID:           m.ID,
				Name:                 firstNonEmpty(m.Profile.RealName, m.Name),
				AutomationType:       models.AutomationBot,
				PlatformMetadata:     meta,
			})
		}

		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return out, nil
		}
	}
}

type slackIntegrationLogsResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Logs  []struct {
		AppID      string `json:"app_id"`
		UserID     string `json:"user_id"`
		Date       string `json:"date"` // Unix seconds as a string
		ChangeType string `json:"change_type"`
		Scope      string `json:"scope"`
		Channel    string `json:"channel"`
		UserAgent  string `json:"user_agent"`
	} `json:"logs"`
	Paging struct {
		Page  int `json:"page"`
		Pages int `json:"pages"`
	} `json:"paging"`
}

// StreamActivity reads team.integrationLogs pages and maps change types to
// canonical actions. Malformed rows are dropped, never forwarded.
func (c *SlackConnector) StreamActivity(ctx context.Context, conn *models.PlatformConnection, creds *models.OAuthCredentials, since, until time.Time) (<-chan models.ActivityEvent, <-chan error) {
	events := make(chan models.ActivityEvent, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		for page := 1; ; page++ {
			query := url.Values{
				"count": {"200"},
				"page":  {strconv.Itoa(page)},
			}
			var resp slackIntegrationLogsResponse
			if err := c.client.getJSON(ctx, "/api/team.integrationLogs", creds.AccessToken, query, &resp); err != nil {
				errs <- err
				return
			}
			if !resp.OK {
				errs <- fmt.Errorf("slack team.integrationLogs failed: %s", resp.Error)
				return
			}

			for _, row := range resp.Logs {
				ev := models.ActivityEvent{
					ExternalActorID: firstNonEmpty(row.AppID, row.UserID),
					ActionType:      slackChangeToAction(row.ChangeType),
					Timestamp:       parseSlackDate(row.Date),
					Resource:        row.Channel,
					UserAgent:       row.UserAgent,
				}
				if row.Scope != "" {
					ev.ScopeHints = []string{row.Scope}
				}
				if !ev.Timestamp.IsZero() && (ev.Timestamp.Before(since) || ev.Timestamp.After(until)) {
					continue
				}
				if !emitEvent(ctx, events, models.PlatformSlack, ev) {
					return
				}
			}

			if resp.Paging.Page >= resp.Paging.Pages || resp.Paging.Pages == 0 {
				return
			}
		}
	}()

	return events, errs
}

func slackChangeToAction(changeType string) models.ActionType {
	switch changeType {
	case "added", "enabled":
		return models.ActionScriptExecution
	case "expanded", "updated":
		return models.ActionPermissionChange
	case "removed", "disabled":
		return models.ActionACLChange
	default:
		return models.ActionScriptExecution
	}
}

func parseSlackDate(date string) time.Time {
	secs, err := strconv.ParseInt(date, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
