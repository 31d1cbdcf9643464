package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

var cancellationTemplate = template.Must(template.New("subscription_canceled").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Your subscription has ended</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0; cellpadding: 0; cellspacing: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px; overflow: hidden;">
<tr><td style="padding: 32px 40px; text-align: center;">
<h1 style="margin: 0 0 16px; font-size: 24px; color: #1a1a1a;">Your subscription has ended</h1>
<p style="margin: 0 0 24px; color: #666; font-size: 15px; line-height: 1.5;">
{{if .PlanName}}Your {{.PlanName}} subscription{{else}}Your subscription{{end}} has been canceled. Your bots stay saved, but paid features are no longer available.
</p>
<a href="{{.BillingURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px; font-weight: 500;">
Choose a plan
</a>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

// CancellationData holds template data for the cancellation notice.
type CancellationData struct {
	PlanName   string
	BillingURL string
}

// RenderCancellationEmail renders the cancellation notice.
func RenderCancellationEmail(data CancellationData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := cancellationTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render cancellation template: %w", err)
	}

	plan := "Your subscription"
	if data.PlanName != "" {
		plan = "Your " + data.PlanName + " subscription"
	}
	textBody := fmt.Sprintf("%s has been canceled.\n\nYour bots stay saved, but paid features are no longer available. Pick a plan at any time: %s", plan, data.BillingURL)
	return buf.String(), textBody, nil
}
