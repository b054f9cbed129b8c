package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companyhub/internal/changes"
	"companyhub/internal/providers"
	dErrors "companyhub/pkg/domain-errors"
)

func TestNewSubscription(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("normalizes the entity", func(t *testing.T) {
		sub, err := NewSubscription("acme", "PL 123-456-78-90", "https://hooks.example.com/x", "s3cret", nil, nil, "", 0, now)
		require.NoError(t, err)
		assert.Equal(t, "1234567890", sub.EntityID)
		assert.Equal(t, ScheduleDaily, sub.Schedule)
		assert.True(t, sub.Active)
	})

	cases := []struct {
		name     string
		entity   string
		url      string
		secret   string
		schedule Schedule
		hours    int
	}{
		{name: "bad nip", entity: "12", url: "https://x.example", secret: "s"},
		{name: "relative url", entity: AnyEntity, url: "/hook", secret: "s"},
		{name: "ftp url", entity: AnyEntity, url: "ftp://x.example", secret: "s"},
		{name: "missing secret", entity: AnyEntity, url: "https://x.example"},
		{name: "unknown schedule", entity: AnyEntity, url: "https://x.example", secret: "s", schedule: "hourly"},
		{name: "custom without hours", entity: AnyEntity, url: "https://x.example", secret: "s", schedule: ScheduleCustom},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSubscription("acme", tc.entity, tc.url, tc.secret, nil, nil, tc.schedule, tc.hours, now)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

func TestRevalidationInterval(t *testing.T) {
	assert.Equal(t, 24*time.Hour, (&Subscription{Schedule: ScheduleDaily}).RevalidationInterval())
	assert.Equal(t, 7*24*time.Hour, (&Subscription{Schedule: ScheduleWeekly}).RevalidationInterval())
	assert.Equal(t, 30*24*time.Hour, (&Subscription{Schedule: ScheduleMonthly}).RevalidationInterval())
	assert.Equal(t, 6*time.Hour, (&Subscription{Schedule: ScheduleCustom, CustomIntervalHours: 6}).RevalidationInterval())
}

func testRecord(t *testing.T, provider providers.Name, sections ...string) *changes.ChangeRecord {
	t.Helper()
	cs := &changes.Changeset{Kind: changes.KindUpdated}
	for _, s := range sections {
		cs.Sections = append(cs.Sections, changes.SectionDiff{
			Section: s,
			Changes: []changes.FieldChange{{Path: s + ".x", Op: changes.OpChanged, Before: "a", After: "b"}},
		})
	}
	rec, err := changes.NewChangeRecord("1234567890", provider, cs, json.RawMessage(`{}`), json.RawMessage(`{"x":1}`), time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return rec
}

func TestSubscriptionMatch(t *testing.T) {
	rec := testRecord(t, providers.MF, "bank_accounts", "vat_status")

	cases := []struct {
		name string
		sub  Subscription
		want []string
		ok   bool
	}{
		{name: "wildcard entity, all sections", sub: Subscription{EntityID: AnyEntity, Active: true}, want: []string{"bank_accounts", "vat_status"}, ok: true},
		{name: "exact entity", sub: Subscription{EntityID: "1234567890", Active: true}, want: []string{"bank_accounts", "vat_status"}, ok: true},
		{name: "other entity", sub: Subscription{EntityID: "5260250995", Active: true}},
		{name: "inactive", sub: Subscription{EntityID: AnyEntity}},
		{name: "other provider", sub: Subscription{EntityID: AnyEntity, Active: true, Providers: []providers.Name{providers.VIES}}},
		{name: "section filter", sub: Subscription{EntityID: AnyEntity, Active: true, Sections: []string{"bank_accounts", "subject"}}, want: []string{"bank_accounts"}, ok: true},
		{name: "no section overlap", sub: Subscription{EntityID: AnyEntity, Active: true, Sections: []string{"subject"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.sub.match(rec)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestPayloadFor(t *testing.T) {
	rec := testRecord(t, providers.MF, "bank_accounts", "vat_status")

	t.Run("single section is named", func(t *testing.T) {
		body, err := payloadFor(rec, []string{"vat_status"})
		require.NoError(t, err)
		var p Payload
		require.NoError(t, json.Unmarshal(body, &p))
		assert.Equal(t, "vat_status", p.Section)
		assert.Equal(t, []string{"vat_status"}, p.Changeset.SectionNames())
		assert.Equal(t, "1234567890", p.EntityID)
		assert.Equal(t, "mf", p.Provider)
	})

	t.Run("several sections use a wildcard", func(t *testing.T) {
		body, err := payloadFor(rec, []string{"bank_accounts", "vat_status"})
		require.NoError(t, err)
		var p Payload
		require.NoError(t, json.Unmarshal(body, &p))
		assert.Equal(t, "*", p.Section)
		assert.Len(t, p.Changeset.Sections, 2)
	})
}

func TestTaskTransitions(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	task := &DeliveryTask{Status: StatusPending}

	require.ErrorContains(t, task.markDelivered(now), "invalid state")
	require.NoError(t, task.claim(now))
	require.Error(t, task.claim(now))

	require.NoError(t, task.markFailedAttempt(now, 2, time.Minute, "boom"))
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, now.Add(time.Minute), task.NextAttemptAt)

	require.NoError(t, task.claim(now.Add(time.Minute)))
	require.NoError(t, task.markFailedAttempt(now.Add(time.Minute), 2, time.Minute, "boom"))
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.True(t, task.Terminal())
}
