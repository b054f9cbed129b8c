// Package contract holds reusable test suites that every connector must pass.
package contract

import (
	"context"
	"encoding/json"
	"testing"

	"companyhub/internal/providers"
	"companyhub/pkg/domain"
)

// ContractTest defines a test case for connector contract validation
type ContractTest struct {
	Name             string
	Connector        providers.Connector
	NIP              domain.NIP
	ExpectedSections []string
	ValidateFunc     func(payload map[string]json.RawMessage) error
}

// ContractSuite is a collection of contract tests for a connector
type ContractSuite struct {
	Provider providers.Name
	Tests    []ContractTest
}

// Run executes all contract tests in the suite
func (s *ContractSuite) Run(t *testing.T) {
	for _, test := range s.Tests {
		t.Run(test.Name, func(t *testing.T) {
			if test.Connector.Name() != s.Provider {
				t.Fatalf("expected provider %s, got %s", s.Provider, test.Connector.Name())
			}

			res, err := test.Connector.Fetch(context.Background(), test.NIP)
			if err != nil {
				t.Fatalf("connector fetch failed: %v", err)
			}
			if res == nil {
				t.Fatal("nil result without error")
			}

			// Payload must be a JSON object keyed by section
			var payload map[string]json.RawMessage
			if err := json.Unmarshal(res.Payload, &payload); err != nil {
				t.Fatalf("payload is not a JSON object: %v", err)
			}
			for _, section := range test.ExpectedSections {
				if _, ok := payload[section]; !ok {
					t.Errorf("section %q missing from payload", section)
				}
			}

			if test.ValidateFunc != nil {
				if err := test.ValidateFunc(payload); err != nil {
					t.Errorf("custom validation failed: %v", err)
				}
			}
		})
	}
}

// DeterminismTest checks that two fetches of unchanged upstream data produce
// byte-identical payloads, so change detection sees no spurious updates.
type DeterminismTest struct {
	Connector providers.Connector
	NIP       domain.NIP
}

// Run executes a determinism test
func (dt *DeterminismTest) Run(t *testing.T) {
	ctx := context.Background()
	first, err := dt.Connector.Fetch(ctx, dt.NIP)
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	second, err := dt.Connector.Fetch(ctx, dt.NIP)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if string(first.Payload) != string(second.Payload) {
		t.Errorf("payload differs between identical fetches:\n%s\n%s", first.Payload, second.Payload)
	}
}

// ErrorContractTest validates that connector errors follow the taxonomy
type ErrorContractTest struct {
	Name          string
	Connector     providers.Connector
	NIP           domain.NIP
	ExpectedError providers.ErrorCategory
	ExpectedRetry bool
}

// Run executes an error contract test
func (ect *ErrorContractTest) Run(t *testing.T) {
	t.Run(ect.Name, func(t *testing.T) {
		_, err := ect.Connector.Fetch(context.Background(), ect.NIP)
		if err == nil {
			t.Fatal("expected error but got none")
		}

		category := providers.GetCategory(err)
		if category != ect.ExpectedError {
			t.Errorf("expected error category %s, got %s", ect.ExpectedError, category)
		}

		isRetryable := providers.IsRetryable(err)
		if isRetryable != ect.ExpectedRetry {
			t.Errorf("expected retryable=%v, got %v", ect.ExpectedRetry, isRetryable)
		}
	})
}
