package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/notify"
	"github.com/xraph/notify/dlq"
	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/subscriber"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:notify_jobs"`

	ID             string     `bun:"id,pk"`
	EnvironmentID  string     `bun:"environment_id,notnull"`
	OrganizationID string     `bun:"organization_id"`
	WorkflowID     string     `bun:"workflow_id,notnull"`
	StepID         string     `bun:"step_id"`
	SubscriberID   string     `bun:"subscriber_id"`
	TriggerID      string     `bun:"trigger_id"`
	ParentID       string     `bun:"parent_id"`
	Queue          string     `bun:"queue,notnull,default:'default'"`
	Payload        []byte     `bun:"payload,type:jsonb"`
	Overrides      []byte     `bun:"overrides,type:jsonb"`
	Status         string     `bun:"status,notnull,default:'pending'"`
	StatusReason   string     `bun:"status_reason"`
	Digest         []byte     `bun:"digest,type:jsonb"`
	DigestKey      string     `bun:"digest_key"`
	Delay          []byte     `bun:"delay,type:jsonb"`
	MaxRetries     int        `bun:"max_retries,notnull,default:3"`
	RetryCount     int        `bun:"retry_count,notnull,default:0"`
	LastError      string     `bun:"last_error"`
	RunAt          time.Time  `bun:"run_at,notnull,default:current_timestamp"`
	StartedAt      *time.Time `bun:"started_at"`
	CompletedAt    *time.Time `bun:"completed_at"`
	WorkerID       string     `bun:"worker_id"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) (*jobModel, error) {
	m := &jobModel{
		ID:             j.ID.String(),
		EnvironmentID:  j.EnvironmentID,
		OrganizationID: j.OrganizationID,
		WorkflowID:     j.WorkflowID.String(),
		StepID:         j.StepID.String(),
		SubscriberID:   j.SubscriberID.String(),
		TriggerID:      j.TriggerID.String(),
		Queue:          j.Queue,
		Payload:        j.Payload,
		Overrides:      j.Overrides,
		Status:         string(j.Status),
		StatusReason:   j.StatusReason,
		MaxRetries:     j.MaxRetries,
		RetryCount:     j.RetryCount,
		LastError:      j.LastError,
		RunAt:          j.RunAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	if !j.ParentID.IsNil() {
		m.ParentID = j.ParentID.String()
	}
	if !j.WorkerID.IsNil() {
		m.WorkerID = j.WorkerID.String()
	}
	if j.Digest != nil {
		data, err := json.Marshal(j.Digest)
		if err != nil {
			return nil, fmt.Errorf("notify/bun: marshal digest: %w", err)
		}
		m.Digest = data
		m.DigestKey = j.Digest.Key
	}
	if j.Delay != nil {
		data, err := json.Marshal(j.Delay)
		if err != nil {
			return nil, fmt.Errorf("notify/bun: marshal delay: %w", err)
		}
		m.Delay = data
	}
	return m, nil
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("notify/bun: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: notify.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             parsedID,
		EnvironmentID:  m.EnvironmentID,
		OrganizationID: m.OrganizationID,
		Queue:          m.Queue,
		Payload:        m.Payload,
		Overrides:      m.Overrides,
		Status:         job.Status(m.Status),
		StatusReason:   m.StatusReason,
		MaxRetries:     m.MaxRetries,
		RetryCount:     m.RetryCount,
		LastError:      m.LastError,
		RunAt:          m.RunAt,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
	}

	// Referential IDs are parsed leniently: a job row must load even if
	// an optional reference is empty.
	j.WorkflowID, _ = id.ParseWorkflowID(m.WorkflowID)
	j.StepID, _ = id.ParseStepID(m.StepID)
	j.SubscriberID, _ = id.ParseSubscriberID(m.SubscriberID)
	j.TriggerID, _ = id.ParseTriggerID(m.TriggerID)
	if m.ParentID != "" {
		j.ParentID, _ = id.ParseJobID(m.ParentID)
	}
	if m.WorkerID != "" {
		j.WorkerID, _ = id.ParseWorkerID(m.WorkerID)
	}

	if len(m.Digest) > 0 {
		var meta job.DigestMeta
		if err := json.Unmarshal(m.Digest, &meta); err != nil {
			return nil, fmt.Errorf("notify/bun: unmarshal digest: %w", err)
		}
		j.Digest = &meta
	}
	if len(m.Delay) > 0 {
		var meta job.DelayMeta
		if err := json.Unmarshal(m.Delay, &meta); err != nil {
			return nil, fmt.Errorf("notify/bun: unmarshal delay: %w", err)
		}
		j.Delay = &meta
	}
	return j, nil
}

// ── Execution detail model ────────────────────────────────────────

type detailModel struct {
	bun.BaseModel `bun:"table:notify_execution_details"`

	ID            string    `bun:"id,pk"`
	JobID         string    `bun:"job_id,notnull"`
	EnvironmentID string    `bun:"environment_id,notnull"`
	StepType      string    `bun:"step_type"`
	Source        string    `bun:"source,notnull"`
	Status        string    `bun:"status,notnull"`
	Detail        string    `bun:"detail"`
	Provider      []byte    `bun:"provider,type:jsonb"`
	Raw           bool      `bun:"raw,notnull,default:false"`
	RawPayload    []byte    `bun:"raw_payload,type:jsonb"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func toDetailModel(d *execution.Detail) (*detailModel, error) {
	m := &detailModel{
		ID:            d.ID.String(),
		JobID:         d.JobID.String(),
		EnvironmentID: d.EnvironmentID,
		StepType:      d.StepType,
		Source:        string(d.Source),
		Status:        string(d.Status),
		Detail:        d.Detail,
		Raw:           d.Raw,
		RawPayload:    d.RawPayload,
		CreatedAt:     d.CreatedAt,
	}
	if len(d.Provider) > 0 {
		data, err := json.Marshal(d.Provider)
		if err != nil {
			return nil, fmt.Errorf("notify/bun: marshal provider meta: %w", err)
		}
		m.Provider = data
	}
	return m, nil
}

func fromDetailModel(m *detailModel) (*execution.Detail, error) {
	parsedID, err := id.ParseDetailID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("notify/bun: parse detail id %q: %w", m.ID, err)
	}
	parsedJobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("notify/bun: parse detail job id %q: %w", m.JobID, err)
	}

	d := &execution.Detail{
		ID:            parsedID,
		JobID:         parsedJobID,
		EnvironmentID: m.EnvironmentID,
		StepType:      m.StepType,
		Source:        execution.Source(m.Source),
		Status:        execution.Status(m.Status),
		Detail:        m.Detail,
		Raw:           m.Raw,
		RawPayload:    m.RawPayload,
		CreatedAt:     m.CreatedAt,
	}
	if len(m.Provider) > 0 {
		if err := json.Unmarshal(m.Provider, &d.Provider); err != nil {
			return nil, fmt.Errorf("notify/bun: unmarshal provider meta: %w", err)
		}
	}
	return d, nil
}

// ── Subscriber model ──────────────────────────────────────────────

type subscriberModel struct {
	bun.BaseModel `bun:"table:notify_subscribers"`

	ID             string     `bun:"id,pk"`
	EnvironmentID  string     `bun:"environment_id,notnull"`
	OrganizationID string     `bun:"organization_id"`
	Email          string     `bun:"email"`
	Phone          string     `bun:"phone"`
	DeviceTokens   []byte     `bun:"device_tokens,type:jsonb"`
	ChatWebhook    string     `bun:"chat_webhook"`
	Online         bool       `bun:"online,notnull,default:false"`
	LastOnlineAt   *time.Time `bun:"last_online_at"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toSubscriberModel(s *subscriber.Subscriber) (*subscriberModel, error) {
	m := &subscriberModel{
		ID:             s.ID.String(),
		EnvironmentID:  s.EnvironmentID,
		OrganizationID: s.OrganizationID,
		Email:          s.Email,
		Phone:          s.Phone,
		ChatWebhook:    s.ChatWebhook,
		Online:         s.Online,
		LastOnlineAt:   s.LastOnlineAt,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if len(s.DeviceTokens) > 0 {
		data, err := json.Marshal(s.DeviceTokens)
		if err != nil {
			return nil, fmt.Errorf("notify/bun: marshal device tokens: %w", err)
		}
		m.DeviceTokens = data
	}
	return m, nil
}

func fromSubscriberModel(m *subscriberModel) (*subscriber.Subscriber, error) {
	parsedID, err := id.ParseSubscriberID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("notify/bun: parse subscriber id %q: %w", m.ID, err)
	}

	s := &subscriber.Subscriber{
		Entity: notify.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             parsedID,
		EnvironmentID:  m.EnvironmentID,
		OrganizationID: m.OrganizationID,
		Email:          m.Email,
		Phone:          m.Phone,
		ChatWebhook:    m.ChatWebhook,
		Online:         m.Online,
		LastOnlineAt:   m.LastOnlineAt,
	}
	if len(m.DeviceTokens) > 0 {
		if err := json.Unmarshal(m.DeviceTokens, &s.DeviceTokens); err != nil {
			return nil, fmt.Errorf("notify/bun: unmarshal device tokens: %w", err)
		}
	}
	return s, nil
}

// ── DLQ model ─────────────────────────────────────────────────────

type dlqModel struct {
	bun.BaseModel `bun:"table:notify_dlq"`

	ID             string     `bun:"id,pk"`
	JobID          string     `bun:"job_id,notnull"`
	EnvironmentID  string     `bun:"environment_id,notnull"`
	OrganizationID string     `bun:"organization_id"`
	WorkflowID     string     `bun:"workflow_id"`
	StepID         string     `bun:"step_id"`
	SubscriberID   string     `bun:"subscriber_id"`
	Queue          string     `bun:"queue"`
	Payload        []byte     `bun:"payload,type:jsonb"`
	Error          string     `bun:"error"`
	RetryCount     int        `bun:"retry_count,notnull,default:0"`
	MaxRetries     int        `bun:"max_retries,notnull,default:0"`
	FailedAt       time.Time  `bun:"failed_at,notnull"`
	ReplayedAt     *time.Time `bun:"replayed_at"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}

func toDLQModel(e *dlq.Entry) *dlqModel {
	return &dlqModel{
		ID:             e.ID.String(),
		JobID:          e.JobID.String(),
		EnvironmentID:  e.EnvironmentID,
		OrganizationID: e.OrganizationID,
		WorkflowID:     e.WorkflowID.String(),
		StepID:         e.StepID.String(),
		SubscriberID:   e.SubscriberID.String(),
		Queue:          e.Queue,
		Payload:        e.Payload,
		Error:          e.Error,
		RetryCount:     e.RetryCount,
		MaxRetries:     e.MaxRetries,
		FailedAt:       e.FailedAt,
		ReplayedAt:     e.ReplayedAt,
		CreatedAt:      e.CreatedAt,
	}
}

func fromDLQModel(m *dlqModel) (*dlq.Entry, error) {
	parsedID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("notify/bun: parse dlq id %q: %w", m.ID, err)
	}
	parsedJobID, err := id.ParseJobID(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("notify/bun: parse dlq job id %q: %w", m.JobID, err)
	}

	e := &dlq.Entry{
		ID:             parsedID,
		JobID:          parsedJobID,
		EnvironmentID:  m.EnvironmentID,
		OrganizationID: m.OrganizationID,
		Queue:          m.Queue,
		Payload:        m.Payload,
		Error:          m.Error,
		RetryCount:     m.RetryCount,
		MaxRetries:     m.MaxRetries,
		FailedAt:       m.FailedAt,
		ReplayedAt:     m.ReplayedAt,
		CreatedAt:      m.CreatedAt,
	}
	e.WorkflowID, _ = id.ParseWorkflowID(m.WorkflowID)
	e.StepID, _ = id.ParseStepID(m.StepID)
	e.SubscriberID, _ = id.ParseSubscriberID(m.SubscriberID)
	return e, nil
}
