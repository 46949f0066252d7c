package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/singura/singura/internal/models"
)

// MicrosoftConnector enumerates service principals in a Microsoft 365
// tenant via Graph and normalizes directory audit activity.
type MicrosoftConnector struct {
	client *platformClient
}

// NewMicrosoftConnector builds a Graph connector. baseURL defaults to the
// public Graph endpoint.
func NewMicrosoftConnector(baseURL string, hc *http.Client) *MicrosoftConnector {
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com"
	}
	return &MicrosoftConnector{client: newPlatformClient(models.PlatformMicrosoft, baseURL, hc)}
}

func (c *MicrosoftConnector) Platform() models.PlatformType { return models.PlatformMicrosoft }

type graphServicePrincipalsResponse struct {
	Value []struct {
		AppID                  string   `json:"appId"`
		DisplayName            string   `json:"displayName"`
		ServicePrincipalType   string   `json:"servicePrincipalType"`
		PublisherName          string   `json:"publisherName"`
		VerifiedPublisher      struct{ DisplayName string } `json:"verifiedPublisher"`
		Tags                   []string `json:"tags"`
		AccountEnabled         bool     `json:"accountEnabled"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// ListAutomations lists service principals (enterprise apps and managed
// identities) for the tenant.
func (c *MicrosoftConnector) ListAutomations(ctx context.Context, conn *models.PlatformConnection, creds *models.OAuthCredentials) ([]*models.DiscoveredAutomation, error) {
	var out []*models.DiscoveredAutomation
	path := "/v1.0/servicePrincipals"
	query := url.Values{"$top": {"100"}}

	for {
		var resp graphServicePrincipalsResponse
		if err := c.client.getJSON(ctx, path, creds.AccessToken, query, &resp); err != nil {
			return out, err
		}

		for _, sp := range resp.Value {
			if sp.AppID == "" || !sp.AccountEnabled {
				continue
			}
			meta, _ := json.Marshal(map[string]any{
				"servicePrincipalType": sp.ServicePrincipalType,
				"publisherName":        sp.PublisherName,
				"tags":                 sp.Tags,
			})
			automationType := models.AutomationIntegration
			if sp.ServicePrincipalType == "ManagedIdentity" {
				automationType = models.AutomationServiceAccount
			}
			out = append(out, &models.DiscoveredAutomation{
				OrganizationID:       conn.OrganizationID,
				PlatformConnectionID: conn.ID,
				ExternalID:           sp.AppID,
				Name:                 firstNonEmpty(sp.DisplayName, sp.AppID),
				AutomationType:       automationType,
				PlatformMetadata:     meta,
				DetectionMetadata: models.DetectionMetadata{
					VerifiedPublisher: sp.VerifiedPublisher.DisplayName != "",
				},
			})
		}

		if resp.NextLink == "" {
			return out, nil
		}
		// nextLink is absolute; strip back to a path relative to the base
		next, err := url.Parse(resp.NextLink)
		if err != nil {
			return out, nil
		}
		path = next.Path
		query = next.Query()
	}
}

type graphAuditsResponse struct {
	Value []struct {
		ActivityDateTime    string `json:"activityDateTime"`
		ActivityDisplayName string `json:"activityDisplayName"`
		InitiatedBy         struct {
			App struct {
				AppID       string `json:"appId"`
				DisplayName string `json:"displayName"`
			} `json:"app"`
		} `json:"initiatedBy"`
		TargetResources []struct {
			DisplayName string `json:"displayName"`
		} `json:"targetResources"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// StreamActivity reads directory audit entries initiated by applications
// within the window.
func (c *MicrosoftConnector) StreamActivity(ctx context.Context, conn *models.PlatformConnection, creds *models.OAuthCredentials, since, until time.Time) (<-chan models.ActivityEvent, <-chan error) {
	events := make(chan models.ActivityEvent, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		path := "/v1.0/auditLogs/directoryAudits"
		query := url.Values{
			"$filter": {"activityDateTime ge " + since.UTC().Format(time.RFC3339) +
				" and activityDateTime le " + until.UTC().Format(time.RFC3339)},
		}

		for {
			var resp graphAuditsResponse
			if err := c.client.getJSON(ctx, path, creds.AccessToken, query, &resp); err != nil {
				errs <- err
				return
			}

			for _, row := range resp.Value {
				ts, _ := time.Parse(time.RFC3339, row.ActivityDateTime)
				ev := models.ActivityEvent{
					ExternalActorID: row.InitiatedBy.App.AppID,
					ActionType:      graphActivityToAction(row.ActivityDisplayName),
					Timestamp:       ts,
				}
				if len(row.TargetResources) > 0 {
					ev.Resource = row.TargetResources[0].DisplayName
				}
				if !emitEvent(ctx, events, models.PlatformMicrosoft, ev) {
					return
				}
			}

			if resp.NextLink == "" {
				return
			}
			next, err := url.Parse(resp.NextLink)
			if err != nil {
				return
			}
			path = next.Path
			query = next.Query()
		}
	}()

	return events, errs
}

func graphActivityToAction(name string) models.ActionType {
	switch name {
	case "Add app role assignment to service principal", "Consent to application":
		return models.ActionPermissionChange
	case "Update application", "Update service principal":
		return models.ActionACLChange
	case "Add OAuth2PermissionGrant":
		return models.ActionSharing
	default:
		return models.ActionScriptExecution
	}
}
