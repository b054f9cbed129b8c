// Package providers defines the narrow fetch contract every registry
// connector implements and the error taxonomy connectors report through.
package providers

//go:generate mockgen -source=provider.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"companyhub/pkg/domain"
)

// Name identifies an upstream source.
type Name string

const (
	Regon Name = "regon"
	MF    Name = "mf"
	VIES  Name = "vies"
	IBAN  Name = "iban"
)

func (n Name) String() string {
	return string(n)
}

// All lists every known provider in response order.
var All = []Name{Regon, MF, VIES, IBAN}

// ParseName validates a provider name from user input.
func ParseName(s string) (Name, bool) {
	for _, n := range All {
		if string(n) == s {
			return n, true
		}
	}
	return "", false
}

// RawResult is a connector's normalized answer. Payload is a JSON object whose
// top-level keys are the provider's sections.
type RawResult struct {
	Payload json.RawMessage
	// ReportVariant names the registry report used to build the payload, if any.
	ReportVariant string
}

// Connector fetches the current facts about one entity from one source.
// Implementations never retry; failures are returned as *ProviderError.
type Connector interface {
	Name() Name
	Fetch(ctx context.Context, nip domain.NIP) (*RawResult, error)
}

// Registry maintains all configured connectors.
type Registry struct {
	connectors map[Name]Connector
}

// NewRegistry creates a new empty registry
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[Name]Connector)}
}

// Register adds a connector to the registry
func (r *Registry) Register(c Connector) error {
	name := c.Name()
	if _, exists := r.connectors[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.connectors[name] = c
	return nil
}

// Get retrieves a connector by name
func (r *Registry) Get(name Name) (Connector, bool) {
	c, ok := r.connectors[name]
	return c, ok
}

// Names returns registered provider names sorted alphabetically.
func (r *Registry) Names() []Name {
	out := make([]Name, 0, len(r.connectors))
	for n := range r.connectors {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
