// Package webhook delivers change notifications to subscribers through a
// durable retry queue.
package webhook

import (
	"encoding/json"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"

	"companyhub/internal/changes"
	"companyhub/internal/providers"
	"companyhub/pkg/domain"
	dErrors "companyhub/pkg/domain-errors"
	"companyhub/pkg/platform/sentinel"
)

// AnyEntity subscribes to every entity.
const AnyEntity = "*"

// Schedule is how often a subscription's entity is re-validated.
type Schedule string

const (
	ScheduleDaily   Schedule = "daily"
	ScheduleWeekly  Schedule = "weekly"
	ScheduleMonthly Schedule = "monthly"
	ScheduleCustom  Schedule = "custom"
)

func (s Schedule) IsValid() bool {
	switch s {
	case ScheduleDaily, ScheduleWeekly, ScheduleMonthly, ScheduleCustom:
		return true
	}
	return false
}

// Subscription is a subscriber's interest in changes of one entity or all.
type Subscription struct {
	ID                  uuid.UUID
	SubscriberID        string
	EntityID            string
	WebhookURL          string
	Secret              string
	Providers           []providers.Name
	Sections            []string
	Schedule            Schedule
	CustomIntervalHours int
	Active              bool
	CreatedAt           time.Time
}

// NewSubscription validates and creates an active subscription. Empty
// provider or section lists mean "all".
func NewSubscription(
	subscriberID, entityID, webhookURL, secret string,
	interests []providers.Name,
	sections []string,
	schedule Schedule,
	customIntervalHours int,
	now time.Time,
) (*Subscription, error) {
	if subscriberID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "subscriber id is required")
	}
	if entityID != AnyEntity {
		nip, err := domain.ParseNIP(entityID)
		if err != nil {
			return nil, err
		}
		entityID = nip.String()
	}
	u, err := url.Parse(webhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "webhook url must be an absolute http(s) url")
	}
	if secret == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "webhook secret is required")
	}
	if schedule == "" {
		schedule = ScheduleDaily
	}
	if !schedule.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid schedule: must be daily, weekly, monthly or custom")
	}
	if schedule == ScheduleCustom && customIntervalHours <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "custom schedule requires a positive interval in hours")
	}

	return &Subscription{
		ID:                  uuid.New(),
		SubscriberID:        subscriberID,
		EntityID:            entityID,
		WebhookURL:          webhookURL,
		Secret:              secret,
		Providers:           interests,
		Sections:            sections,
		Schedule:            schedule,
		CustomIntervalHours: customIntervalHours,
		Active:              true,
		CreatedAt:           now,
	}, nil
}

// RevalidationInterval is the maximum age of the entity's snapshots before
// the scheduler refreshes them.
func (s *Subscription) RevalidationInterval() time.Duration {
	switch s.Schedule {
	case ScheduleWeekly:
		return 7 * 24 * time.Hour
	case ScheduleMonthly:
		return 30 * 24 * time.Hour
	case ScheduleCustom:
		return time.Duration(s.CustomIntervalHours) * time.Hour
	}
	return 24 * time.Hour
}

// WantsProvider reports whether the subscription covers provider.
func (s *Subscription) WantsProvider(p providers.Name) bool {
	return len(s.Providers) == 0 || slices.Contains(s.Providers, p)
}

// match returns the changeset sections the subscription is interested in.
func (s *Subscription) match(record *changes.ChangeRecord) ([]string, bool) {
	if !s.Active {
		return nil, false
	}
	if s.EntityID != AnyEntity && s.EntityID != record.EntityID.String() {
		return nil, false
	}
	if !s.WantsProvider(record.Provider) {
		return nil, false
	}
	touched := record.Changeset.SectionNames()
	if len(s.Sections) == 0 {
		return touched, len(touched) > 0
	}
	var matched []string
	for _, section := range touched {
		if slices.Contains(s.Sections, section) {
			matched = append(matched, section)
		}
	}
	return matched, len(matched) > 0
}

// Status is a delivery task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// DeliveryTask is one scheduled notification of one subscriber about one change.
type DeliveryTask struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	ChangeRecordID uuid.UUID
	Status         Status
	Attempts       int
	NextAttemptAt  time.Time
	ClaimedAt      *time.Time
	WebhookURL     string
	Payload        json.RawMessage
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func newTask(sub *Subscription, record *changes.ChangeRecord, payload json.RawMessage, now time.Time) *DeliveryTask {
	return &DeliveryTask{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		ChangeRecordID: record.ID,
		Status:         StatusPending,
		NextAttemptAt:  now,
		WebhookURL:     sub.WebhookURL,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Terminal reports whether the task will never be attempted again.
func (t *DeliveryTask) Terminal() bool {
	return t.Status == StatusDelivered || t.Status == StatusFailed
}

func (t *DeliveryTask) claim(now time.Time) error {
	if t.Status != StatusPending {
		return sentinel.ErrInvalidState
	}
	t.Status = StatusInFlight
	t.ClaimedAt = &now
	t.UpdatedAt = now
	return nil
}

func (t *DeliveryTask) requeue(now time.Time) error {
	if t.Status != StatusInFlight {
		return sentinel.ErrInvalidState
	}
	t.Status = StatusPending
	t.ClaimedAt = nil
	t.UpdatedAt = now
	return nil
}

func (t *DeliveryTask) markDelivered(now time.Time) error {
	if t.Status != StatusInFlight {
		return sentinel.ErrInvalidState
	}
	t.Attempts++
	t.Status = StatusDelivered
	t.ClaimedAt = nil
	t.LastError = ""
	t.UpdatedAt = now
	return nil
}

// markFailedAttempt schedules a retry, or fails the task once attempts reach maxAttempts.
func (t *DeliveryTask) markFailedAttempt(now time.Time, maxAttempts int, delay time.Duration, reason string) error {
	if t.Status != StatusInFlight {
		return sentinel.ErrInvalidState
	}
	t.Attempts++
	t.ClaimedAt = nil
	t.LastError = reason
	t.UpdatedAt = now
	if t.Attempts >= maxAttempts {
		t.Status = StatusFailed
		return nil
	}
	t.Status = StatusPending
	t.NextAttemptAt = now.Add(delay)
	return nil
}

// DeliveryAttempt is the audit row of one POST.
type DeliveryAttempt struct {
	ID          uuid.UUID
	TaskID      uuid.UUID
	Attempt     int
	StatusCode  int
	Success     bool
	Error       string
	Duration    time.Duration
	AttemptedAt time.Time
}

// Payload is the JSON body POSTed to a webhook.
type Payload struct {
	ChangeID   string             `json:"change_id"`
	EntityID   string             `json:"entity_id"`
	Provider   string             `json:"provider"`
	Kind       changes.Kind       `json:"kind"`
	Section    string             `json:"section"`
	Changeset  *changes.Changeset `json:"changeset"`
	DetectedAt time.Time          `json:"detected_at"`
}

// payloadFor restricts the changeset to the matched sections. Section names
// the single matched section, or "*" when several matched.
func payloadFor(record *changes.ChangeRecord, sections []string) ([]byte, error) {
	filtered := &changes.Changeset{Kind: record.Changeset.Kind}
	for _, sd := range record.Changeset.Sections {
		if slices.Contains(sections, sd.Section) {
			filtered.Sections = append(filtered.Sections, sd)
		}
	}
	section := "*"
	if len(sections) == 1 {
		section = sections[0]
	}
	return json.Marshal(Payload{
		ChangeID:   record.ID.String(),
		EntityID:   record.EntityID.String(),
		Provider:   record.Provider.String(),
		Kind:       record.Kind,
		Section:    section,
		Changeset:  filtered,
		DetectedAt: record.DetectedAt,
	})
}
