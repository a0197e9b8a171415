package alerts

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sydneyDK/rearview/internal/jobs"
)

// VictorOpsChannel delivers notifications through the VictorOps REST
// integration. The destination address is the routing key appended to the
// integration endpoint.
type VictorOpsChannel struct {
	Endpoint   string // integration URL without the routing key suffix
	httpClient *http.Client
}

func NewVictorOpsChannel(endpoint string, timeout time.Duration) *VictorOpsChannel {
	return &VictorOpsChannel{
		Endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *VictorOpsChannel) Kind() jobs.DestinationKind { return jobs.DestVictorOps }

func (c *VictorOpsChannel) Notify(ctx context.Context, dest jobs.AlertDestination, n Notification) error {
	if c.Endpoint == "" {
		return fmt.Errorf("victorops: endpoint not configured")
	}
	messageType := "CRITICAL"
	if n.Decision == DecisionRecovery {
		messageType = "RECOVERY"
	}
	payload := map[string]any{
		"message_type":        messageType,
		"entity_id":           "rearview:" + n.Job.ID,
		"entity_display_name": n.Job.Name,
		"state_message":       fmt.Sprintf("%s is %s\n%s", n.Job.Name, n.Status, n.Result.Output.Output),
		"state_start_time":    n.At.UTC().Unix(),
		"monitoring_tool":     "rearview",
	}
	return postJSON(ctx, c.httpClient, c.Endpoint+"/"+dest.Address, payload, "victorops")
}
