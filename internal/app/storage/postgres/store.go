package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flowsend/engine/internal/app/domain/audit"
	"github.com/flowsend/engine/internal/app/domain/billing"
	"github.com/flowsend/engine/internal/app/domain/contact"
	"github.com/flowsend/engine/internal/app/domain/mail"
	"github.com/flowsend/engine/internal/app/domain/workflow"
	"github.com/flowsend/engine/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.WorkflowStore = (*Store)(nil)
var _ storage.ContactStore = (*Store)(nil)
var _ storage.LeadStore = (*Store)(nil)
var _ storage.SenderStore = (*Store)(nil)
var _ storage.TemplateStore = (*Store)(nil)
var _ storage.MessageStore = (*Store)(nil)
var _ storage.CreditLedger = (*Store)(nil)
var _ storage.AuditStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

// --- WorkflowStore ----------------------------------------------------------

func (s *Store) CreateWorkflow(ctx context.Context, wf workflow.Workflow) (workflow.Workflow, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Status == "" {
		wf.Status = workflow.StatusDraft
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	triggerJSON, nodesJSON, edgesJSON, stepsJSON, err := marshalDefinition(wf)
	if err != nil {
		return workflow.Workflow{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_workflows (id, user_id, name, status, trigger, nodes, edges, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, wf.ID, wf.UserID, wf.Name, wf.Status, triggerJSON, nodesJSON, edgesJSON, stepsJSON, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return workflow.Workflow{}, err
	}
	return wf, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, wf workflow.Workflow) (workflow.Workflow, error) {
	wf.UpdatedAt = time.Now().UTC()

	triggerJSON, nodesJSON, edgesJSON, stepsJSON, err := marshalDefinition(wf)
	if err != nil {
		return workflow.Workflow{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_workflows
		SET name = $2, status = $3, trigger = $4, nodes = $5, edges = $6, steps = $7, updated_at = $8
		WHERE id = $1
	`, wf.ID, wf.Name, wf.Status, triggerJSON, nodesJSON, edgesJSON, stepsJSON, wf.UpdatedAt)
	if err != nil {
		return workflow.Workflow{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return workflow.Workflow{}, sql.ErrNoRows
	}
	return wf, nil
}

const workflowColumns = `id, user_id, name, status, trigger, nodes, edges, steps, last_run_at, run_summary, created_at, updated_at`

func (s *Store) GetWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workflowColumns+`
		FROM app_workflows
		WHERE id = $1
	`, id)
	return scanWorkflow(row)
}

func (s *Store) ListWorkflows(ctx context.Context, userID string) ([]workflow.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM app_workflows
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (s *Store) ListWorkflowsByStatus(ctx context.Context, statuses ...workflow.Status) ([]workflow.Workflow, error) {
	want := make([]string, 0, len(statuses))
	for _, st := range statuses {
		want = append(want, string(st))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM app_workflows
		WHERE status = ANY($1)
		ORDER BY created_at
	`, pq.Array(want))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (s *Store) RecordWorkflowRun(ctx context.Context, id string, summary workflow.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_workflows
		SET last_run_at = $2, run_summary = $3, updated_at = $4
		WHERE id = $1
	`, id, summary.RanAt.UTC(), summaryJSON, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func marshalDefinition(wf workflow.Workflow) (trigger, nodes, edges, steps []byte, err error) {
	if trigger, err = json.Marshal(wf.Trigger); err != nil {
		return nil, nil, nil, nil, err
	}
	if nodes, err = json.Marshal(wf.Nodes); err != nil {
		return nil, nil, nil, nil, err
	}
	if edges, err = json.Marshal(wf.Edges); err != nil {
		return nil, nil, nil, nil, err
	}
	if steps, err = json.Marshal(wf.Steps); err != nil {
		return nil, nil, nil, nil, err
	}
	return trigger, nodes, edges, steps, nil
}

func scanWorkflow(row rowScanner) (workflow.Workflow, error) {
	var (
		wf          workflow.Workflow
		triggerRaw  []byte
		nodesRaw    []byte
		edgesRaw    []byte
		stepsRaw    []byte
		lastRunAt   sql.NullTime
		summaryRaw  []byte
	)
	err := row.Scan(&wf.ID, &wf.UserID, &wf.Name, &wf.Status, &triggerRaw, &nodesRaw, &edgesRaw, &stepsRaw, &lastRunAt, &summaryRaw, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return workflow.Workflow{}, err
	}
	if len(triggerRaw) > 0 {
		if err := json.Unmarshal(triggerRaw, &wf.Trigger); err != nil {
			return workflow.Workflow{}, fmt.Errorf("decode workflow trigger: %w", err)
		}
	}
	if len(nodesRaw) > 0 {
		if err := json.Unmarshal(nodesRaw, &wf.Nodes); err != nil {
			return workflow.Workflow{}, fmt.Errorf("decode workflow nodes: %w", err)
		}
	}
	if len(edgesRaw) > 0 {
		if err := json.Unmarshal(edgesRaw, &wf.Edges); err != nil {
			return workflow.Workflow{}, fmt.Errorf("decode workflow edges: %w", err)
		}
	}
	if len(stepsRaw) > 0 {
		if err := json.Unmarshal(stepsRaw, &wf.Steps); err != nil {
			return workflow.Workflow{}, fmt.Errorf("decode workflow steps: %w", err)
		}
	}
	if lastRunAt.Valid {
		wf.LastRunAt = lastRunAt.Time.UTC()
	}
	if len(summaryRaw) > 0 {
		var sum workflow.RunSummary
		if err := json.Unmarshal(summaryRaw, &sum); err == nil {
			wf.LastRun = &sum
		}
	}
	return wf, nil
}

func scanWorkflows(rows *sql.Rows) ([]workflow.Workflow, error) {
	var result []workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

// --- ContactStore -----------------------------------------------------------

const contactColumns = `id, workflow_id, user_id, email, full_name, company, job_title, status, current_step, next_run_at, processing_started_at, last_error, state, created_at, updated_at`

func (s *Store) CreateContact(ctx context.Context, ct contact.Contact) (contact.Contact, error) {
	if ct.ID == "" {
		ct.ID = uuid.NewString()
	}
	if ct.Status == "" {
		ct.Status = contact.StatusActive
	}
	now := time.Now().UTC()
	ct.CreatedAt = now
	ct.UpdatedAt = now

	stateJSON, err := json.Marshal(ct.State)
	if err != nil {
		return contact.Contact{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_contacts (id, workflow_id, user_id, email, full_name, company, job_title, status, current_step, next_run_at, processing_started_at, last_error, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, ct.ID, ct.WorkflowID, ct.UserID, ct.Email, ct.FullName, ct.Company, ct.JobTitle, ct.Status, ct.CurrentStep,
		toNullTimePtr(ct.NextRunAt), toNullTimePtr(ct.ProcessingStartedAt), ct.LastError, stateJSON, ct.CreatedAt, ct.UpdatedAt)
	if err != nil {
		return contact.Contact{}, err
	}
	return ct, nil
}

func (s *Store) UpdateContact(ctx context.Context, ct contact.Contact) (contact.Contact, error) {
	ct.UpdatedAt = time.Now().UTC()

	stateJSON, err := json.Marshal(ct.State)
	if err != nil {
		return contact.Contact{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_contacts
		SET email = $2, full_name = $3, company = $4, job_title = $5, status = $6, current_step = $7,
		    next_run_at = $8, processing_started_at = $9, last_error = $10, state = $11, updated_at = $12
		WHERE id = $1
	`, ct.ID, ct.Email, ct.FullName, ct.Company, ct.JobTitle, ct.Status, ct.CurrentStep,
		toNullTimePtr(ct.NextRunAt), toNullTimePtr(ct.ProcessingStartedAt), ct.LastError, stateJSON, ct.UpdatedAt)
	if err != nil {
		return contact.Contact{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return contact.Contact{}, sql.ErrNoRows
	}
	return ct, nil
}

func (s *Store) GetContact(ctx context.Context, id string) (contact.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+`
		FROM app_contacts
		WHERE id = $1
	`, id)
	return scanContact(row)
}

func (s *Store) ListContacts(ctx context.Context, workflowID string) ([]contact.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM app_contacts
		WHERE ($1 = '' OR workflow_id = $1)
		ORDER BY created_at
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (s *Store) ListDueContacts(ctx context.Context, workflowID string, now time.Time, limit int) ([]contact.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM app_contacts
		WHERE workflow_id = $1 AND status = $2 AND next_run_at IS NOT NULL AND next_run_at <= $3
		ORDER BY next_run_at ASC
		LIMIT $4
	`, workflowID, contact.StatusActive, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContacts(rows)
}

// ClaimContact is the conditional status update active -> processing. The
// WHERE clause carries the compare; RowsAffected carries the swap outcome.
func (s *Store) ClaimContact(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_contacts
		SET status = $2, processing_started_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, contact.StatusProcessing, now.UTC(), contact.StatusActive)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Store) ReleaseStaleContacts(ctx context.Context, workflowID string, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_contacts
		SET status = $3, processing_started_at = NULL, updated_at = $4
		WHERE workflow_id = $1 AND status = $2 AND processing_started_at <= $5
	`, workflowID, contact.StatusProcessing, contact.StatusActive, time.Now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// EnrollWorkflowContacts creates enrollees for matching leads inside a single
// transaction, so two overlapping ticks cannot enroll the same lead twice.
func (s *Store) EnrollWorkflowContacts(ctx context.Context, wf workflow.Workflow, limit int) ([]contact.Contact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	tagFilter := ""
	if wf.Trigger.Type == "tag" {
		tagFilter = strings.TrimSpace(wf.Trigger.Tag)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, user_id, email, full_name, company, job_title, tags, props
		FROM app_leads l
		WHERE l.user_id = $1
		  AND ($2 = '' OR EXISTS (SELECT 1 FROM unnest(l.tags) t WHERE lower(t) = lower($2)))
		  AND NOT EXISTS (
		      SELECT 1 FROM app_contacts c
		      WHERE c.workflow_id = $3 AND lower(c.email) = lower(l.email)
		  )
		ORDER BY l.created_at
		LIMIT $4
		FOR UPDATE OF l SKIP LOCKED
	`, wf.UserID, tagFilter, wf.ID, limit)
	if err != nil {
		return nil, err
	}

	var leads []contact.Lead
	for rows.Next() {
		var (
			ld       contact.Lead
			tags     pq.StringArray
			propsRaw []byte
		)
		if err := rows.Scan(&ld.ID, &ld.UserID, &ld.Email, &ld.FullName, &ld.Company, &ld.JobTitle, &tags, &propsRaw); err != nil {
			rows.Close()
			return nil, err
		}
		ld.Tags = []string(tags)
		if len(propsRaw) > 0 {
			_ = json.Unmarshal(propsRaw, &ld.Props)
		}
		leads = append(leads, ld)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	enrolled := make([]contact.Contact, 0, len(leads))
	for _, ld := range leads {
		due := now
		ct := contact.Contact{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			UserID:     wf.UserID,
			Email:      ld.Email,
			FullName:   ld.FullName,
			Company:    ld.Company,
			JobTitle:   ld.JobTitle,
			Status:     contact.StatusActive,
			NextRunAt:  &due,
			State: contact.State{
				Tags:  append([]string(nil), ld.Tags...),
				Props: ld.Props,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		stateJSON, err := json.Marshal(ct.State)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_contacts (id, workflow_id, user_id, email, full_name, company, job_title, status, current_step, next_run_at, state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $11)
		`, ct.ID, ct.WorkflowID, ct.UserID, ct.Email, ct.FullName, ct.Company, ct.JobTitle, ct.Status, now, stateJSON, now); err != nil {
			return nil, err
		}
		enrolled = append(enrolled, ct)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return enrolled, nil
}

func scanContact(row rowScanner) (contact.Contact, error) {
	var (
		ct         contact.Contact
		nextRun    sql.NullTime
		processing sql.NullTime
		stateRaw   []byte
	)
	err := row.Scan(&ct.ID, &ct.WorkflowID, &ct.UserID, &ct.Email, &ct.FullName, &ct.Company, &ct.JobTitle,
		&ct.Status, &ct.CurrentStep, &nextRun, &processing, &ct.LastError, &stateRaw, &ct.CreatedAt, &ct.UpdatedAt)
	if err != nil {
		return contact.Contact{}, err
	}
	ct.NextRunAt = fromNullTimePtr(nextRun)
	ct.ProcessingStartedAt = fromNullTimePtr(processing)
	if len(stateRaw) > 0 {
		if err := json.Unmarshal(stateRaw, &ct.State); err != nil {
			return contact.Contact{}, fmt.Errorf("decode contact state: %w", err)
		}
	}
	return ct, nil
}

func scanContacts(rows *sql.Rows) ([]contact.Contact, error) {
	var result []contact.Contact
	for rows.Next() {
		ct, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ct)
	}
	return result, rows.Err()
}

// --- LeadStore --------------------------------------------------------------

func (s *Store) CreateLead(ctx context.Context, ld contact.Lead) (contact.Lead, error) {
	if ld.ID == "" {
		ld.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ld.CreatedAt = now
	ld.UpdatedAt = now

	propsJSON, err := json.Marshal(ld.Props)
	if err != nil {
		return contact.Lead{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_leads (id, user_id, email, full_name, company, job_title, tags, props, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ld.ID, ld.UserID, ld.Email, ld.FullName, ld.Company, ld.JobTitle, pq.Array(ld.Tags), propsJSON, ld.CreatedAt, ld.UpdatedAt)
	if err != nil {
		return contact.Lead{}, err
	}
	return ld, nil
}

func (s *Store) GetLead(ctx context.Context, id string) (contact.Lead, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, email, full_name, company, job_title, tags, props, created_at, updated_at
		FROM app_leads
		WHERE id = $1
	`, id)
	return scanLead(row)
}

func (s *Store) ListLeads(ctx context.Context, userID string) ([]contact.Lead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, email, full_name, company, job_title, tags, props, created_at, updated_at
		FROM app_leads
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []contact.Lead
	for rows.Next() {
		ld, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ld)
	}
	return result, rows.Err()
}

func scanLead(row rowScanner) (contact.Lead, error) {
	var (
		ld       contact.Lead
		tags     pq.StringArray
		propsRaw []byte
	)
	err := row.Scan(&ld.ID, &ld.UserID, &ld.Email, &ld.FullName, &ld.Company, &ld.JobTitle, &tags, &propsRaw, &ld.CreatedAt, &ld.UpdatedAt)
	if err != nil {
		return contact.Lead{}, err
	}
	ld.Tags = []string(tags)
	if len(propsRaw) > 0 {
		_ = json.Unmarshal(propsRaw, &ld.Props)
	}
	return ld, nil
}

// --- SenderStore ------------------------------------------------------------

func (s *Store) CreateSenderConfig(ctx context.Context, cfg mail.SenderConfig) (mail.SenderConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_sender_configs (id, user_id, from_name, from_email, host, port, username, password, thread_replies, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE
		SET from_name = EXCLUDED.from_name, from_email = EXCLUDED.from_email, host = EXCLUDED.host,
		    port = EXCLUDED.port, username = EXCLUDED.username, password = EXCLUDED.password,
		    thread_replies = EXCLUDED.thread_replies, updated_at = EXCLUDED.updated_at
	`, cfg.ID, cfg.UserID, cfg.FromName, cfg.FromEmail, cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.ThreadReplies, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return mail.SenderConfig{}, err
	}
	return cfg, nil
}

func (s *Store) GetSenderConfig(ctx context.Context, userID string) (mail.SenderConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, from_name, from_email, host, port, username, password, thread_replies, created_at, updated_at
		FROM app_sender_configs
		WHERE user_id = $1
	`, userID)

	var cfg mail.SenderConfig
	err := row.Scan(&cfg.ID, &cfg.UserID, &cfg.FromName, &cfg.FromEmail, &cfg.Host, &cfg.Port,
		&cfg.Username, &cfg.Password, &cfg.ThreadReplies, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return mail.SenderConfig{}, err
	}
	return cfg, nil
}

// --- TemplateStore ----------------------------------------------------------

func (s *Store) CreateTemplate(ctx context.Context, tpl mail.Template) (mail.Template, error) {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_templates (id, user_id, name, subject, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tpl.ID, tpl.UserID, tpl.Name, tpl.Subject, tpl.Body, tpl.CreatedAt, tpl.UpdatedAt)
	if err != nil {
		return mail.Template{}, err
	}
	return tpl, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (mail.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, subject, body, created_at, updated_at
		FROM app_templates
		WHERE id = $1
	`, id)

	var tpl mail.Template
	err := row.Scan(&tpl.ID, &tpl.UserID, &tpl.Name, &tpl.Subject, &tpl.Body, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return mail.Template{}, err
	}
	return tpl, nil
}

// --- MessageStore -----------------------------------------------------------

func (s *Store) CreateMessage(ctx context.Context, msg mail.Message) (mail.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_messages (id, user_id, workflow_id, contact_id, node_id, direction, subject, body, message_id, in_reply_to, sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, msg.ID, msg.UserID, msg.WorkflowID, msg.ContactID, msg.NodeID, msg.Direction, msg.Subject, msg.Body,
		msg.MessageID, msg.InReplyTo, msg.SentAt, msg.CreatedAt)
	if err != nil {
		return mail.Message{}, err
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, contactID string) ([]mail.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, workflow_id, contact_id, node_id, direction, subject, body, message_id, in_reply_to, sent_at, created_at
		FROM app_messages
		WHERE contact_id = $1
		ORDER BY sent_at
	`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []mail.Message
	for rows.Next() {
		var msg mail.Message
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.WorkflowID, &msg.ContactID, &msg.NodeID, &msg.Direction,
			&msg.Subject, &msg.Body, &msg.MessageID, &msg.InReplyTo, &msg.SentAt, &msg.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (s *Store) HasInboundSince(ctx context.Context, contactID string, since time.Time) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM app_messages
			WHERE contact_id = $1 AND direction = $2 AND sent_at >= $3
		)
	`, contactID, mail.DirectionInbound, since.UTC())

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// --- CreditLedger -----------------------------------------------------------

func (s *Store) GrantCredits(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_credit_balances (user_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = app_credit_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
	`, userID, amount, time.Now().UTC())
	return err
}

// ConsumeCredits debits in a single transaction: the ledger insert carries
// the idempotency (unique (user_id, kind, reference)), the conditional
// balance update carries the floor check.
func (s *Store) ConsumeCredits(ctx context.Context, userID string, amount int64, reference string) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO app_credit_ledger (id, user_id, kind, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), userID, billing.EntryDebit, amount, reference, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			// Same reference already charged; replay is a no-op.
			return nil
		}
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE app_credit_balances
		SET balance = balance - $2, updated_at = $3
		WHERE user_id = $1 AND balance >= $2
	`, userID, amount, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return billing.ErrInsufficientCredits
	}
	return tx.Commit()
}

func (s *Store) RefundCredits(ctx context.Context, userID string, amount int64, reference string) error {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO app_credit_ledger (id, user_id, kind, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), userID, billing.EntryRefund, amount, reference, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO app_credit_balances (user_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = app_credit_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
	`, userID, amount, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreditBalance(ctx context.Context, userID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT balance FROM app_credit_balances WHERE user_id = $1
	`, userID)

	var balance int64
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- AuditStore -------------------------------------------------------------

func (s *Store) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return audit.Entry{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_audit_log (id, workflow_id, contact_id, event_type, step_index, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.WorkflowID, entry.ContactID, entry.EventType, entry.StepIndex, entry.Message, metadataJSON, entry.CreatedAt)
	if err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

func (s *Store) ListAudit(ctx context.Context, workflowID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, contact_id, event_type, step_index, message, metadata, created_at
		FROM app_audit_log
		WHERE workflow_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []audit.Entry
	for rows.Next() {
		var (
			entry       audit.Entry
			metadataRaw []byte
		)
		if err := rows.Scan(&entry.ID, &entry.WorkflowID, &entry.ContactID, &entry.EventType, &entry.StepIndex,
			&entry.Message, &metadataRaw, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadataRaw) > 0 {
			_ = json.Unmarshal(metadataRaw, &entry.Metadata)
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}
