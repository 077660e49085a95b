package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/mail"
	"github.com/flowsend/engine/internal/app/domain/workflow"
	"github.com/flowsend/engine/internal/app/services/mailer"
	"github.com/flowsend/engine/internal/httputil"
)

const (
	defaultWebhookTimeout = 12 * time.Second
	maxWebhookTimeout     = 30 * time.Second
	webhookBodyLimit      = 32 << 10
	previewLimit          = 2000
)

// runWebhook renders URL, headers, auth and payload through the same
// personalization step as email, then performs the call under a bounded,
// cancellable timeout. Any non-2xx response is a failure. The stored
// preview is observability only and never drives control flow.
func (s *Service) runWebhook(ctx context.Context, wf workflow.Workflow, ct *contact.Contact, node workflow.Node) Result {
	now := s.now()

	url := strings.TrimSpace(mailer.Personalize(node.ConfigString("url"), *ct, mail.SenderConfig{}))
	if url == "" {
		return configRetry(errors.New("webhook url is empty"), now)
	}
	method := strings.ToUpper(node.ConfigString("method"))
	if method == "" {
		method = http.MethodPost
	}

	headers := make(map[string]string)
	if raw, ok := node.Config["headers"].(map[string]any); ok {
		for k, v := range raw {
			headers[k] = mailer.Personalize(stringValue(v), *ct, mail.SenderConfig{})
		}
	}
	switch node.ConfigString("auth_type") {
	case "bearer":
		headers["Authorization"] = "Bearer " + node.ConfigString("auth_token")
	case "api_key":
		name := node.ConfigString("auth_header")
		if name == "" {
			name = "X-API-Key"
		}
		headers[name] = node.ConfigString("auth_token")
	}

	body, contentType, err := webhookPayload(wf, *ct, node)
	if err != nil {
		return configRetry(err, now)
	}

	resp, err := s.webhooks.Do(ctx, httputil.Request{
		Method:      method,
		URL:         url,
		Headers:     headers,
		Body:        body,
		ContentType: contentType,
		Timeout:     webhookTimeout(node),
	})
	if err != nil {
		s.metrics.WebhookCalls.WithLabelValues("error").Inc()
		return Result{
			Outcome:  OutcomeRetry,
			ResumeAt: now.Add(webhookRetryBackoff),
			Err:      fmt.Errorf("webhook %s %s: %w", method, url, err),
		}
	}
	if !resp.OK() {
		s.metrics.WebhookCalls.WithLabelValues("failure").Inc()
		return Result{
			Outcome:  OutcomeRetry,
			ResumeAt: now.Add(webhookRetryBackoff),
			Err:      fmt.Errorf("webhook %s %s: status %d", method, url, resp.StatusCode),
		}
	}
	s.metrics.WebhookCalls.WithLabelValues("success").Inc()

	if ct.State.WebhookPreview == nil {
		ct.State.WebhookPreview = make(map[string]string)
	}
	preview := fmt.Sprintf("%s %s -> %d | req: %s | resp: %s", method, url, resp.StatusCode, body, resp.Body)
	ct.State.WebhookPreview[node.ID] = truncate(preview, previewLimit)

	return Result{Outcome: OutcomeAdvanced, Advance: true}
}

// webhookPayload renders the configured template or the default JSON
// envelope describing the contact.
func webhookPayload(wf workflow.Workflow, ct contact.Contact, node workflow.Node) ([]byte, string, error) {
	if tpl := node.ConfigString("payload"); tpl != "" {
		contentType := node.ConfigString("content_type")
		if contentType == "" {
			contentType = "application/json"
		}
		return []byte(mailer.Personalize(tpl, ct, mail.SenderConfig{})), contentType, nil
	}

	body, err := json.Marshal(map[string]any{
		"workflow_id": wf.ID,
		"contact_id":  ct.ID,
		"email":       ct.Email,
		"full_name":   ct.FullName,
		"company":     ct.Company,
		"job_title":   ct.JobTitle,
		"step":        ct.CurrentStep,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode webhook payload: %w", err)
	}
	return body, "application/json", nil
}

// webhookTimeout clamps the configured timeout to the hard ceiling.
func webhookTimeout(node workflow.Node) time.Duration {
	t := time.Duration(node.ConfigInt("timeout_seconds")) * time.Second
	if t <= 0 {
		return defaultWebhookTimeout
	}
	if t > maxWebhookTimeout {
		return maxWebhookTimeout
	}
	return t
}

// truncate cuts at most limit bytes without splitting a multi-byte rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
