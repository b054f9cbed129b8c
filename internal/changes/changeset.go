// Package changes detects structural differences between successive provider
// snapshots and records them as an append-only change log.
package changes

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"companyhub/internal/providers"
	"companyhub/pkg/domain"
	dErrors "companyhub/pkg/domain-errors"
)

// Kind distinguishes the first observation of an entity from later updates.
type Kind string

const (
	KindInitial Kind = "initial"
	KindUpdated Kind = "updated"
)

// RootSection names the single section of an initial changeset whose payload
// has no top-level sections.
const RootSection = "$"

// Op is the kind of one field difference.
type Op string

const (
	OpAdded   Op = "added"
	OpRemoved Op = "removed"
	OpChanged Op = "changed"
)

// FieldChange is one difference at a path inside a section.
// Paths are dotted; keyed list entries read "bank_accounts[account_number=PL..]"
// and unordered list elements read "subject.partners[]".
type FieldChange struct {
	Path   string `json:"path"`
	Op     Op     `json:"op"`
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
}

// SectionDiff groups the changes of one top-level payload section.
type SectionDiff struct {
	Section string        `json:"section"`
	Changes []FieldChange `json:"changes"`
}

// Changeset is the difference between two snapshots of one provider.
type Changeset struct {
	Kind     Kind          `json:"kind"`
	Sections []SectionDiff `json:"sections"`
}

// SectionNames lists the sections touched by the changeset, sorted.
func (c *Changeset) SectionNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.Sections))
	for i, s := range c.Sections {
		names[i] = s.Section
	}
	return names
}

// Section returns the diff of one section, or nil.
func (c *Changeset) Section(name string) *SectionDiff {
	if c == nil {
		return nil
	}
	for i := range c.Sections {
		if c.Sections[i].Section == name {
			return &c.Sections[i]
		}
	}
	return nil
}

// ChangeRecord is one entry in the change log.
type ChangeRecord struct {
	ID              uuid.UUID       `json:"id"`
	EntityID        domain.NIP      `json:"entity_id"`
	Provider        providers.Name  `json:"provider"`
	Kind            Kind            `json:"kind"`
	Changeset       *Changeset      `json:"changeset"`
	PreviousPayload json.RawMessage `json:"previous_payload,omitempty"`
	NewPayload      json.RawMessage `json:"new_payload"`
	Fingerprint     string          `json:"fingerprint"`
	DetectedAt      time.Time       `json:"detected_at"`
}

// NewChangeRecord builds a record for a non-empty changeset.
func NewChangeRecord(entityID domain.NIP, provider providers.Name, cs *Changeset, previous, next json.RawMessage, detectedAt time.Time) (*ChangeRecord, error) {
	if cs == nil || len(cs.Sections) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "change record requires a non-empty changeset")
	}
	if entityID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "change record requires an entity")
	}
	fingerprint, err := Fingerprint(next)
	if err != nil {
		return nil, err
	}
	return &ChangeRecord{
		ID:              uuid.New(),
		EntityID:        entityID,
		Provider:        provider,
		Kind:            cs.Kind,
		Changeset:       cs,
		PreviousPayload: previous,
		NewPayload:      next,
		Fingerprint:     fingerprint,
		DetectedAt:      detectedAt,
	}, nil
}
