// Package mf reads the Ministry of Finance VAT taxpayer whitelist.
package mf

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"companyhub/internal/providers"
	"companyhub/pkg/domain"
	"companyhub/pkg/requestcontext"
)

var warsaw = mustLoad("Europe/Warsaw")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

type address struct {
	Street          string `json:"street"`
	BuildingNumber  string `json:"buildingNumber"`
	ApartmentNumber string `json:"apartmentNumber"`
	City            string `json:"city"`
	PostalCode      string `json:"postalCode"`
}

type person struct {
	CompanyName string `json:"companyName"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	NIP         string `json:"nip"`
}

// The whitelist returns addresses either as structured objects or as one
// formatted line; both decode through rawAddress.
type rawAddress struct {
	structured *address
	line       string
}

func (a *rawAddress) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &a.line)
	}
	if string(b) == "null" {
		return nil
	}
	a.structured = &address{}
	return json.Unmarshal(b, a.structured)
}

func (a rawAddress) normalize() any {
	switch {
	case a.structured != nil:
		return map[string]any{
			"street":           a.structured.Street,
			"building_number":  a.structured.BuildingNumber,
			"apartment_number": a.structured.ApartmentNumber,
			"city":             a.structured.City,
			"postal_code":      a.structured.PostalCode,
		}
	case a.line != "":
		return map[string]any{"raw_address": strings.TrimSpace(a.line)}
	default:
		return nil
	}
}

type subject struct {
	Name                    string     `json:"name"`
	NIP                     string     `json:"nip"`
	Regon                   string     `json:"regon"`
	KRS                     string     `json:"krs"`
	StatusVat               string     `json:"statusVat"`
	WorkingAddress          rawAddress `json:"workingAddress"`
	ResidenceAddress        rawAddress `json:"residenceAddress"`
	RegistrationLegalDate   string     `json:"registrationLegalDate"`
	RegistrationDenialBasis string     `json:"registrationDenialBasis"`
	RegistrationDenialDate  string     `json:"registrationDenialDate"`
	RestorationBasis        string     `json:"restorationBasis"`
	RestorationDate         string     `json:"restorationDate"`
	RemovalBasis            string     `json:"removalBasis"`
	RemovalDate             string     `json:"removalDate"`
	HasVirtualAccounts      bool       `json:"hasVirtualAccounts"`
	AccountNumbers          []string   `json:"accountNumbers"`
	Representatives         []person   `json:"representatives"`
	AuthorizedClerks        []person   `json:"authorizedClerks"`
	Partners                []person   `json:"partners"`
}

type searchResponse struct {
	Result struct {
		Subject   *subject `json:"subject"`
		RequestID string   `json:"requestId"`
	} `json:"result"`
}

// Connector queries the whitelist by NIP for the current day.
type Connector struct {
	transport *providers.HTTPTransport
}

func New(baseURL string, timeout time.Duration, opts ...providers.TransportOption) *Connector {
	return &Connector{transport: providers.NewHTTPTransport(providers.MF, baseURL, timeout, opts...)}
}

func (c *Connector) Name() providers.Name {
	return providers.MF
}

func (c *Connector) Fetch(ctx context.Context, nip domain.NIP) (*providers.RawResult, error) {
	day := requestcontext.Now(ctx).In(warsaw).Format("2006-01-02")

	var resp searchResponse
	if err := c.transport.GetJSON(ctx, "/api/search/nip/"+nip.String(), url.Values{"date": {day}}, &resp); err != nil {
		return nil, err
	}
	if resp.Result.Subject == nil {
		return nil, providers.NewProviderError(providers.ErrorNotFound, providers.MF, "subject not on whitelist", nil)
	}

	payload, err := json.Marshal(normalize(resp.Result.Subject, day, resp.Result.RequestID))
	if err != nil {
		return nil, providers.NewProviderError(providers.ErrorBadData, providers.MF, "encode payload", err)
	}
	return &providers.RawResult{Payload: payload}, nil
}

func normalize(s *subject, day, requestID string) map[string]any {
	return map[string]any{
		"subject": map[string]any{
			"name":               s.Name,
			"regon":              s.Regon,
			"krs":                s.KRS,
			"representatives":    people(s.Representatives),
			"authorized_persons": people(s.AuthorizedClerks),
			"partners":           people(s.Partners),
		},
		"vat_status": map[string]any{
			"status":                    s.StatusVat,
			"registration_legal_date":   s.RegistrationLegalDate,
			"registration_denial_basis": s.RegistrationDenialBasis,
			"registration_denial_date":  s.RegistrationDenialDate,
			"restoration_basis":         s.RestorationBasis,
			"restoration_date":          s.RestorationDate,
			"removal_basis":             s.RemovalBasis,
			"removal_date":              s.RemovalDate,
		},
		"addresses": map[string]any{
			"working":   s.WorkingAddress.normalize(),
			"residence": s.ResidenceAddress.normalize(),
		},
		"bank_accounts": accounts(s.AccountNumbers, s.HasVirtualAccounts),
		"meta": map[string]any{
			"request_id": requestID,
			"as_of":      day,
		},
	}
}

func people(in []person) []any {
	out := make([]any, 0, len(in))
	for _, p := range in {
		if strings.TrimSpace(p.CompanyName+p.FirstName+p.LastName+p.NIP) == "" {
			continue
		}
		out = append(out, map[string]any{
			"company_name": p.CompanyName,
			"first_name":   p.FirstName,
			"last_name":    p.LastName,
			"nip":          p.NIP,
		})
	}
	return out
}

// FormatIBAN strips spaces and prefixes the country code when missing.
func FormatIBAN(account string) string {
	account = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(account), " ", ""))
	if account == "" || strings.HasPrefix(account, "PL") {
		return account
	}
	return "PL" + account
}

func accounts(numbers []string, virtual bool) []any {
	seen := make(map[string]struct{}, len(numbers))
	var keys []string
	for _, n := range numbers {
		iban := FormatIBAN(n)
		if iban == "" {
			continue
		}
		if _, dup := seen[iban]; dup {
			continue
		}
		seen[iban] = struct{}{}
		keys = append(keys, iban)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{
			"account_number": k,
			"virtual":        virtual,
		})
	}
	return out
}
