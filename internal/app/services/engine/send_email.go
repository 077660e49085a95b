package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowsend/engine/internal/app/domain/billing"
	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/mail"
	"github.com/flowsend/engine/internal/app/domain/workflow"
	"github.com/flowsend/engine/internal/app/services/credits"
	"github.com/flowsend/engine/internal/app/services/mailer"
)

// runSendEmail loads the sender and template, renders the message, debits
// one credit with an idempotent reference before delivering, sends over
// SMTP with thread headers, and appends the outbound message record. The
// interpreter persists the pointer advance in the same write as the state
// patch produced here.
func (s *Service) runSendEmail(ctx context.Context, wf workflow.Workflow, ct *contact.Contact, node workflow.Node) Result {
	now := s.now()

	sender, err := s.senders.GetSenderConfig(ctx, wf.UserID)
	if err != nil {
		return configRetry(fmt.Errorf("load sender config: %w", err), now)
	}

	subject := node.ConfigString("subject")
	body := node.ConfigString("body")
	if tplID := node.ConfigString("template_id"); tplID != "" {
		tpl, err := s.templates.GetTemplate(ctx, tplID)
		if err != nil {
			return configRetry(fmt.Errorf("load template %s: %w", tplID, err), now)
		}
		if subject == "" {
			subject = tpl.Subject
		}
		if body == "" {
			body = tpl.Body
		}
	}

	subject = strings.TrimSpace(mailer.Personalize(subject, *ct, sender))
	body = mailer.Personalize(body, *ct, sender)
	if subject == "" || strings.TrimSpace(body) == "" {
		return configRetry(errors.New("rendered subject or body is empty"), now)
	}
	html := mailer.EnsureHTML(body)

	ref := credits.SendReference(wf.ID, ct.ID, ct.CurrentStep, now)
	if err := s.credits.DebitSend(ctx, wf.UserID, ref); err != nil {
		if errors.Is(err, billing.ErrInsufficientCredits) {
			return Result{Outcome: OutcomeCreditBlocked, ResumeAt: now.Add(creditRetryBackoff), Err: err}
		}
		// Unknown ledger error: the debit may or may not have applied, so a
		// refund here could mint credits. Retry without touching the balance.
		return Result{
			Outcome:  OutcomeRetry,
			ResumeAt: now.Add(sendRetryBackoff),
			Err:      fmt.Errorf("debit send credit: %w", err),
		}
	}

	msg := mailer.OutgoingEmail{
		To:        ct.Email,
		Subject:   subject,
		HTMLBody:  html,
		MessageID: uuid.NewString() + "@flowsend",
	}
	if sender.ThreadReplies && ct.State.LastMessageID != "" {
		msg.InReplyTo = ct.State.LastMessageID
		msg.References = ct.State.ThreadIDs
	}

	if err := s.transport.Send(ctx, sender, msg); err != nil {
		if rerr := s.credits.RefundSend(ctx, wf.UserID, ref); rerr != nil {
			s.log.WithError(rerr).WithField("contact_id", ct.ID).Error("send credit refund failed")
		}
		return Result{
			Outcome:  OutcomeRetry,
			ResumeAt: now.Add(sendRetryBackoff),
			Err:      fmt.Errorf("smtp send: %w", err),
		}
	}
	s.metrics.EmailsSent.Inc()

	if _, err := s.messages.CreateMessage(ctx, mail.Message{
		UserID:     wf.UserID,
		WorkflowID: wf.ID,
		ContactID:  ct.ID,
		NodeID:     node.ID,
		Direction:  mail.DirectionOutbound,
		Subject:    subject,
		Body:       html,
		MessageID:  msg.MessageID,
		InReplyTo:  msg.InReplyTo,
		SentAt:     now,
	}); err != nil {
		// The mail is already out; losing the log entry must not fail the step.
		s.log.WithError(err).WithField("contact_id", ct.ID).Error("append outbound message failed")
	}

	ct.State.LastMessageID = msg.MessageID
	ct.State.ThreadIDs = append(ct.State.ThreadIDs, msg.MessageID)
	ct.State.LastSentAt = now

	return Result{Outcome: OutcomeSent, Advance: true}
}

// configRetry reschedules after a configuration error. The config may be
// fixed later, so the contact is not failed terminally.
func configRetry(err error, now time.Time) Result {
	return Result{Outcome: OutcomeRetry, ResumeAt: now.Add(configRetryBackoff), Err: err}
}
