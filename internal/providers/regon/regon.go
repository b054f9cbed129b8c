// Package regon implements the two-step business registry lookup: a directory
// search resolves the entity type, then the matching detailed report is pulled.
package regon

//go:generate mockgen -source=regon.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"companyhub/internal/providers"
	"companyhub/pkg/domain"
)

// EntityType is the registry's classification of a subject.
type EntityType string

const (
	LegalPerson            EntityType = "P"
	NaturalPerson          EntityType = "F"
	LocalLegalPersonUnit   EntityType = "LP"
	LocalNaturalPersonUnit EntityType = "LF"
)

var reportVariants = map[EntityType]string{
	LegalPerson:            "BIR11OsPrawna",
	NaturalPerson:          "BIR11OsFizycznaDzialalnoscCeidg",
	LocalLegalPersonUnit:   "BIR11JednLokalnaOsPrawnej",
	LocalNaturalPersonUnit: "BIR11JednLokalnaOsFizycznej",
}

// ReportVariant returns the detailed report name for an entity type.
func ReportVariant(t EntityType) (string, bool) {
	v, ok := reportVariants[t]
	return v, ok
}

// SearchResult is one directory hit.
type SearchResult struct {
	Regon        string     `json:"regon"`
	NIP          string     `json:"nip"`
	Name         string     `json:"name"`
	Type         EntityType `json:"type"`
	Voivodeship  string     `json:"voivodeship"`
	County       string     `json:"county"`
	Commune      string     `json:"commune"`
	City         string     `json:"city"`
	PostalCode   string     `json:"postal_code"`
	Street       string     `json:"street"`
	BuildingNo   string     `json:"building_number"`
	ApartmentNo  string     `json:"apartment_number"`
	ActivityEnds string     `json:"activity_end_date"`
}

// Client is the registry wire protocol. A nil result from Search with a nil
// error means the registry has no such subject.
type Client interface {
	Search(ctx context.Context, nip domain.NIP) (*SearchResult, error)
	Report(ctx context.Context, regon, variant string) (map[string]any, error)
}

// Connector adapts a Client to the providers.Connector contract.
type Connector struct {
	client Client
}

// New builds a connector backed by the HTTP gateway client.
func New(baseURL, apiKey string, timeout time.Duration, opts ...providers.TransportOption) *Connector {
	return NewWithClient(NewHTTPClient(baseURL, apiKey, timeout, opts...))
}

// NewWithClient builds a connector over any Client.
func NewWithClient(client Client) *Connector {
	return &Connector{client: client}
}

func (c *Connector) Name() providers.Name {
	return providers.Regon
}

type state int

const (
	stateSearch state = iota
	stateSelectReport
	stateFetchReport
	stateDone
)

// lookup carries one Fetch through search, report selection and report retrieval.
type lookup struct {
	state   state
	nip     domain.NIP
	hit     *SearchResult
	variant string
	report  map[string]any
}

// Fetch runs the lookup state machine. The report step only runs once the
// search resolved a recognized entity type.
func (c *Connector) Fetch(ctx context.Context, nip domain.NIP) (*providers.RawResult, error) {
	l := &lookup{state: stateSearch, nip: nip}
	for l.state != stateDone {
		if err := c.step(ctx, l); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(map[string]any{
		"entity": entitySection(l.hit),
		"report": l.report,
	})
	if err != nil {
		return nil, providers.NewProviderError(providers.ErrorBadData, providers.Regon, "encode payload", err)
	}
	return &providers.RawResult{Payload: payload, ReportVariant: l.variant}, nil
}

func (c *Connector) step(ctx context.Context, l *lookup) error {
	switch l.state {
	case stateSearch:
		hit, err := c.client.Search(ctx, l.nip)
		if err != nil {
			return err
		}
		if hit == nil {
			return providers.NewProviderError(providers.ErrorNotFound, providers.Regon, "no subject for nip", nil)
		}
		l.hit = hit
		l.state = stateSelectReport

	case stateSelectReport:
		variant, ok := ReportVariant(l.hit.Type)
		if !ok {
			return providers.NewProviderError(providers.ErrorUnrecognizedEntityType, providers.Regon,
				fmt.Sprintf("entity type %q has no report variant", l.hit.Type), nil)
		}
		l.variant = variant
		l.state = stateFetchReport

	case stateFetchReport:
		report, err := c.client.Report(ctx, l.hit.Regon, l.variant)
		if err != nil {
			return err
		}
		if report == nil {
			report = map[string]any{}
		}
		l.report = report
		l.state = stateDone
	}
	return nil
}

func entitySection(hit *SearchResult) map[string]any {
	return map[string]any{
		"regon":       hit.Regon,
		"name":        hit.Name,
		"type":        string(hit.Type),
		"voivodeship": hit.Voivodeship,
		"county":      hit.County,
		"commune":     hit.Commune,
		"address": map[string]any{
			"city":             hit.City,
			"postal_code":      hit.PostalCode,
			"street":           hit.Street,
			"building_number":  hit.BuildingNo,
			"apartment_number": hit.ApartmentNo,
		},
		"activity_end_date": hit.ActivityEnds,
	}
}
