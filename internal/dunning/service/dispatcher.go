package service

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	dunningdomain "github.com/agoramart/dunning/internal/dunning/domain"
	"github.com/agoramart/dunning/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Dispatcher turns a committed dunning decision into a customer-facing
// message. Delivery is best-effort: a send failure is reported to the caller
// for logging but never unwinds the state transition that triggered it.
type Dispatcher struct {
	log      *zap.Logger
	notifier email.Provider
}

type DispatcherParam struct {
	fx.In

	Log      *zap.Logger
	Notifier email.Provider
}

func NewDispatcher(p DispatcherParam) *Dispatcher {
	return &Dispatcher{
		log:      p.Log.Named("dunning.dispatcher"),
		notifier: p.Notifier,
	}
}

var messageTemplates = map[dunningdomain.Outcome]*template.Template{
	dunningdomain.OutcomeRenewed: template.Must(template.New("renewed").Parse(
		`<p>Your payment of {{.Amount}} went through and your subscription is active again.</p>`,
	)),
	dunningdomain.OutcomeRetryScheduled: template.Must(template.New("retry_scheduled").Parse(
		`<p>We could not collect your payment of {{.Amount}}. We will retry on {{.NextRetryAt}}. Please check your payment method.</p>`,
	)),
	dunningdomain.OutcomeCanceled: template.Must(template.New("canceled").Parse(
		`<p>Your subscription has been canceled after repeated failed payment attempts for {{.Amount}}. You can resubscribe at any time.</p>`,
	)),
}

var messageSubjects = map[dunningdomain.Outcome]string{
	dunningdomain.OutcomeRenewed:        "Payment received, subscription reactivated",
	dunningdomain.OutcomeRetryScheduled: "Payment failed, we will retry",
	dunningdomain.OutcomeCanceled:       "Subscription canceled",
}

// Notify renders and sends the message variant for the decision's outcome.
func (d *Dispatcher) Notify(ctx context.Context, decision dunningdomain.Decision) error {
	if decision.CustomerEmail == "" {
		d.log.Debug("no recipient for dunning notification",
			zap.String("subscription_id", decision.SubscriptionID.String()),
		)
		return nil
	}

	tmpl, ok := messageTemplates[decision.Outcome]
	if !ok {
		return fmt.Errorf("no message template for outcome %q", decision.Outcome)
	}

	data := map[string]any{
		"Amount": formatAmount(decision.Total, decision.Currency),
	}
	if decision.NextRetryAt != nil {
		data["NextRetryAt"] = decision.NextRetryAt.Format("Jan 2, 2006")
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("render dunning notification: %w", err)
	}

	return d.notifier.Send(ctx, []string{decision.CustomerEmail}, messageSubjects[decision.Outcome], body.String())
}

func formatAmount(total int64, currency string) string {
	return fmt.Sprintf("%.2f %s", float64(total)/100, currency)
}
