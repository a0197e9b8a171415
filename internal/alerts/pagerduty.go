package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sydneyDK/rearview/internal/jobs"
)

const defaultPagerDutyEndpoint = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyChannel delivers notifications through the PagerDuty Events v2
// API. The destination address is the integration routing key; the dedup
// key is the job id so triggers and resolves line up on one incident.
type PagerDutyChannel struct {
	Endpoint   string
	httpClient *http.Client
}

func NewPagerDutyChannel(endpoint string, timeout time.Duration) *PagerDutyChannel {
	if endpoint == "" {
		endpoint = defaultPagerDutyEndpoint
	}
	return &PagerDutyChannel{
		Endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *PagerDutyChannel) Kind() jobs.DestinationKind { return jobs.DestPagerDuty }

func (c *PagerDutyChannel) Notify(ctx context.Context, dest jobs.AlertDestination, n Notification) error {
	action := "trigger"
	if n.Decision == DecisionRecovery {
		action = "resolve"
	}
	payload := map[string]any{
		"routing_key":  dest.Address,
		"event_action": action,
		"dedup_key":    "rearview:" + n.Job.ID,
		"payload": map[string]any{
			"summary":   fmt.Sprintf("%s is %s", n.Job.Name, n.Status),
			"source":    "rearview",
			"severity":  "critical",
			"timestamp": n.At.UTC().Format(time.RFC3339),
			"custom_details": map[string]any{
				"job_id":  n.Job.ID,
				"metrics": n.Job.Metrics,
				"output":  n.Result.Output.Output,
			},
		},
	}
	return postJSON(ctx, c.httpClient, c.Endpoint, payload, "pagerduty")
}

// postJSON is the one-shot webhook call shared by the paging channels.
// Deliveries are best-effort: the caller logs failures and never retries.
func postJSON(ctx context.Context, client *http.Client, url string, payload any, name string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%s: new request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", name, resp.StatusCode)
	}
	return nil
}
