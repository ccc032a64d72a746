package usage

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/grainhero/accesscore/internal/metrics"
	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/tenant"
)

const warningSubject = "Usage Limit Warning - GrainHero"

// Notifier delivers limit warnings to a tenant admin.
type Notifier interface {
	NotifyLimits(ctx context.Context, admin *tenant.User, sub *subscription.Subscription, w *Warnings) error
}

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailNotifier sends warnings through SendGrid.
type EmailNotifier struct {
	client      mailSender
	fromAddress string
	fromName    string
	pricingURL  string
}

// NewEmailNotifier creates a SendGrid notifier.
func NewEmailNotifier(apiKey, fromAddress, fromName string) *EmailNotifier {
	return &EmailNotifier{
		client:      sendgrid.NewSendClient(apiKey),
		fromAddress: fromAddress,
		fromName:    fromName,
		pricingURL:  "https://grainhero.com/pricing",
	}
}

// WithPricingURL sets the upgrade link included in the email.
func (n *EmailNotifier) WithPricingURL(u string) *EmailNotifier {
	n.pricingURL = u
	return n
}

func (n *EmailNotifier) NotifyLimits(ctx context.Context, admin *tenant.User, sub *subscription.Subscription, w *Warnings) error {
	body := WarningEmail(admin, sub, w, n.pricingURL)
	name := admin.Name
	if name == "" {
		name = "Admin"
	}
	msg := mail.NewSingleEmail(
		mail.NewEmail(n.fromName, n.fromAddress),
		warningSubject,
		mail.NewEmail(name, admin.Email),
		body,
		strings.ReplaceAll(html.EscapeString(body), "\n", "<br>"),
	)

	resp, err := n.client.SendWithContext(ctx, msg)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("send limit warning to %s: %w", admin.Email, err)
	}
	if resp.StatusCode >= 300 {
		metrics.NotificationsTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("send limit warning to %s: sendgrid status %d", admin.Email, resp.StatusCode)
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	return nil
}

// LogNotifier only logs warnings. Used when no mail provider is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that writes to logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyLimits(_ context.Context, admin *tenant.User, sub *subscription.Subscription, w *Warnings) error {
	for _, item := range w.Items {
		n.logger.Info("usage limit warning",
			"tenant_id", sub.TenantID, "subscription_id", sub.ID, "admin", admin.Email,
			"resource", item.Resource, "percentage", item.Percentage)
	}
	metrics.NotificationsTotal.WithLabelValues("logged").Inc()
	return nil
}

// WarningEmail renders the plain text warning email.
func WarningEmail(admin *tenant.User, sub *subscription.Subscription, w *Warnings, pricingURL string) string {
	name := admin.Name
	if name == "" {
		name = "Admin"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\nYour GrainHero subscription is approaching its usage limits:\n\n", name)
	for _, item := range w.Items {
		fmt.Fprintf(&b, "• %s\n", item.Message)
	}
	b.WriteString("\nCurrent Usage:\n")
	fmt.Fprintf(&b, "- Users: %d / %s\n", sub.Usage.Users, limitText(sub.Features.MaxUsers, ""))
	fmt.Fprintf(&b, "- Grain Batches: %d / %s\n", sub.Usage.Batches, limitText(sub.Features.MaxBatches, ""))
	fmt.Fprintf(&b, "- Sensors: %d / %s\n", sub.Usage.Devices, limitText(sub.Features.MaxDevices, ""))
	fmt.Fprintf(&b, "- Storage: %sGB / %s\n", formatCount(sub.Usage.StorageGB), limitText(sub.Features.MaxStorageGB, "GB"))
	fmt.Fprintf(&b, "\nTo avoid service interruptions, please consider upgrading your plan:\n%s\n\nBest regards,\nThe GrainHero Team\n", pricingURL)
	return b.String()
}

func limitText(l plans.Limit, unit string) string {
	if l.IsUnlimited() {
		return "Unlimited"
	}
	return l.String() + unit
}

var (
	_ Notifier = (*EmailNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
