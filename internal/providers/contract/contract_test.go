package contract_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"companyhub/internal/providers"
	"companyhub/internal/providers/contract"
	"companyhub/internal/providers/iban"
	"companyhub/internal/providers/mf"
	"companyhub/internal/providers/regon"
	"companyhub/internal/providers/vies"
	"companyhub/pkg/domain"
)

const (
	knownNIP    = domain.NIP("1234567890")
	missingNIP  = domain.NIP("5260250995")
	failingNIP  = domain.NIP("2222222223")
	throttleNIP = domain.NIP("1111111112")
)

// fakeGateway answers for all four upstreams, keyed on the NIP in the request.
func fakeGateway() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Path + "?" + r.URL.RawQuery
		switch {
		case strings.Contains(target, failingNIP.String()):
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		case strings.Contains(target, throttleNIP.String()):
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		case strings.Contains(target, missingNIP.String()):
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch {
		case r.URL.Path == "/search":
			_, _ = w.Write([]byte(`{"results":[{"regon":"012345678","name":"ACME","type":"P"}]}`))
		case strings.HasPrefix(r.URL.Path, "/reports/"):
			_, _ = w.Write([]byte(`{"data":{"praw_nazwa":"ACME"}}`))
		case strings.HasPrefix(r.URL.Path, "/api/search/nip/"):
			_, _ = w.Write([]byte(`{"result":{"subject":{"name":"ACME","statusVat":"Czynny","accountNumbers":["61109010140000071219812874"]},"requestId":"r1"}}`))
		case strings.HasPrefix(r.URL.Path, "/ms/PL/vat/"):
			_, _ = w.Write([]byte(`{"isValid":true,"userError":"VALID","name":"ACME","address":"X","requestIdentifier":"C1"}`))
		case strings.HasPrefix(r.URL.Path, "/v1/nip/"):
			_, _ = w.Write([]byte(`{"accounts":[{"iban":"PL61109010140000071219812874","valid":true,"bic":"WBKPPLPP"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func connectors(baseURL string) []providers.Connector {
	return []providers.Connector{
		regon.New(baseURL, "", time.Second),
		mf.New(baseURL, time.Second),
		vies.New(baseURL, time.Second),
		iban.New(baseURL, "", time.Second),
	}
}

var expectedSections = map[providers.Name][]string{
	providers.Regon: {"entity", "report"},
	providers.MF:    {"subject", "vat_status", "addresses", "bank_accounts"},
	providers.VIES:  {"vat", "registration"},
	providers.IBAN:  {"bank_accounts"},
}

func TestConnectorContracts(t *testing.T) {
	srv := fakeGateway()
	defer srv.Close()

	for _, c := range connectors(srv.URL) {
		t.Run(c.Name().String(), func(t *testing.T) {
			suite := &contract.ContractSuite{
				Provider: c.Name(),
				Tests: []contract.ContractTest{
					{
						Name:             "returns sectioned payload",
						Connector:        c,
						NIP:              knownNIP,
						ExpectedSections: expectedSections[c.Name()],
					},
				},
			}
			suite.Run(t)

			(&contract.DeterminismTest{Connector: c, NIP: knownNIP}).Run(t)

			errorTests := []contract.ErrorContractTest{
				{Name: "missing entity", Connector: c, NIP: missingNIP, ExpectedError: providers.ErrorNotFound},
				{Name: "upstream outage", Connector: c, NIP: failingNIP, ExpectedError: providers.ErrorUpstream, ExpectedRetry: true},
				{Name: "upstream throttling", Connector: c, NIP: throttleNIP, ExpectedError: providers.ErrorRateLimited, ExpectedRetry: true},
			}
			for i := range errorTests {
				errorTests[i].Run(t)
			}
		})
	}
}
