package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/sydneyDK/rearview/internal/jobs"
)

// EmailChannel delivers notifications through SendGrid.
type EmailChannel struct {
	client   *sendgrid.Client
	fromName string
	fromAddr string
}

func NewEmailChannel(apiKey, fromName, fromAddr string) *EmailChannel {
	return &EmailChannel{
		client:   sendgrid.NewSendClient(apiKey),
		fromName: fromName,
		fromAddr: fromAddr,
	}
}

func (c *EmailChannel) Kind() jobs.DestinationKind { return jobs.DestEmail }

func (c *EmailChannel) Notify(ctx context.Context, dest jobs.AlertDestination, n Notification) error {
	from := mail.NewEmail(c.fromName, c.fromAddr)
	toName := dest.Label
	if toName == "" {
		toName = dest.Address
	}
	to := mail.NewEmail(toName, dest.Address)

	body := emailBody(n)
	message := mail.NewSingleEmail(from, emailSubject(n), to, body, body)

	resp, err := c.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid: status %d", resp.StatusCode)
	}
	return nil
}

func emailSubject(n Notification) string {
	if n.Decision == DecisionRecovery {
		return fmt.Sprintf("[RECOVERED] %s is back to normal", n.Job.Name)
	}
	return fmt.Sprintf("[ALERT] %s is %s", n.Job.Name, n.Status)
}

func emailBody(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", emailSubject(n))
	fmt.Fprintf(&b, "Job: %s\n", n.Job.Name)
	fmt.Fprintf(&b, "Status: %s\n", n.Status)
	if n.Prev != nil {
		fmt.Fprintf(&b, "Previous status: %s\n", *n.Prev)
	}
	fmt.Fprintf(&b, "Time: %s\n", n.At.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "Metrics: %s\n", strings.Join(n.Job.Metrics, ", "))
	if n.Result.Message != nil {
		fmt.Fprintf(&b, "\nWHAT WENT WRONG:\n%s\n", *n.Result.Message)
	}
	if n.Result.Output.Output != "" {
		fmt.Fprintf(&b, "\nMONITOR OUTPUT:\n%s\n", n.Result.Output.Output)
	}
	fmt.Fprintf(&b, "\n---\nJob ID: %s\n", n.Job.ID)
	return b.String()
}
