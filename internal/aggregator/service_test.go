package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"companyhub/internal/changes"
	"companyhub/internal/providers"
	"companyhub/internal/providers/mocks"
	"companyhub/internal/ratelimit/models"
	"companyhub/internal/ratelimit/service"
	"companyhub/internal/ratelimit/store/bucket"
	"companyhub/internal/snapshot"
	"companyhub/internal/webhook"
	"companyhub/pkg/domain"
	dErrors "companyhub/pkg/domain-errors"
	"companyhub/pkg/platform/circuit"
	"companyhub/pkg/platform/sentinel"
	"companyhub/pkg/requestcontext"
)

const testNIP = domain.NIP("1234567890")

// stubLimiter denies the provider budget of configured providers and
// records penalties. calls counts provider budget checks.
type stubLimiter struct {
	mu          sync.Mutex
	denied      map[providers.Name]time.Time
	penalties   map[providers.Name]time.Time
	calls       int
	callerCalls int
}

func newStubLimiter() *stubLimiter {
	return &stubLimiter{denied: map[providers.Name]time.Time{}, penalties: map[providers.Name]time.Time{}}
}

func (l *stubLimiter) AcquireCaller(_ context.Context, _ providers.Name, _ models.Caller) (*models.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callerCalls++
	return &models.Decision{Allowed: true}, nil
}

func (l *stubLimiter) AcquireProvider(_ context.Context, p providers.Name) (*models.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if until, ok := l.denied[p]; ok {
		return &models.Decision{NextAvailableAt: until, Reason: models.ReasonProviderBudget}, nil
	}
	return &models.Decision{Allowed: true}, nil
}

func (l *stubLimiter) Penalize(p providers.Name, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.penalties[p] = until
}

type ServiceSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	conns    map[providers.Name]*mocks.MockConnector
	registry *providers.Registry
	cache    *snapshot.InMemoryStore
	limiter  *stubLimiter
	log      *changes.InMemoryLog
	now      time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.registry = providers.NewRegistry()
	s.conns = make(map[providers.Name]*mocks.MockConnector)
	for _, name := range providers.All {
		conn := mocks.NewMockConnector(s.ctrl)
		conn.EXPECT().Name().Return(name).AnyTimes()
		s.Require().NoError(s.registry.Register(conn))
		s.conns[name] = conn
	}
	s.cache = snapshot.NewInMemoryStore()
	s.limiter = newStubLimiter()
	s.log = changes.NewInMemoryLog()
	s.now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
}

func (s *ServiceSuite) service(opts ...Option) *Service {
	opts = append([]Option{WithRecorder(changes.NewRecorder(changes.NewDetector(nil), s.log))}, opts...)
	svc, err := New(s.registry, s.cache, s.limiter, opts...)
	s.Require().NoError(err)
	return svc
}

func (s *ServiceSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

func (s *ServiceSuite) request(names ...providers.Name) Request {
	return Request{
		EntityID:  testNIP,
		Providers: names,
		Caller:    models.Caller{ID: "acme", Tier: models.QuotaTierPremium},
	}
}

func (s *ServiceSuite) returns(name providers.Name, payload string) *gomock.Call {
	return s.conns[name].EXPECT().Fetch(gomock.Any(), testNIP).
		Return(&providers.RawResult{Payload: json.RawMessage(payload)}, nil)
}

func (s *ServiceSuite) seed(name providers.Name, payload string, fetchedAt time.Time, ttl time.Duration) {
	snap, err := snapshot.New(testNIP, name, json.RawMessage(payload), "", fetchedAt, ttl)
	s.Require().NoError(err)
	s.Require().NoError(s.cache.Put(context.Background(), snap))
}

func (s *ServiceSuite) TestColdCacheFetchesEveryProviderAndDispatches() {
	subs := webhook.NewInMemorySubscriptionStore()
	tasks := webhook.NewInMemoryTaskStore()
	for _, entity := range []string{webhook.AnyEntity, testNIP.String()} {
		sub, err := webhook.NewSubscription("acme", entity, "https://hooks.example.com/"+entity, "s", nil, nil, webhook.ScheduleDaily, 0, s.now)
		s.Require().NoError(err)
		s.Require().NoError(subs.Create(context.Background(), sub))
	}
	inactive, err := webhook.NewSubscription("gone", webhook.AnyEntity, "https://hooks.example.com/gone", "s", nil, nil, webhook.ScheduleDaily, 0, s.now)
	s.Require().NoError(err)
	inactive.Active = false
	s.Require().NoError(subs.Create(context.Background(), inactive))

	disp, err := webhook.NewDispatcher(subs, tasks)
	s.Require().NoError(err)

	s.conns[providers.Regon].EXPECT().Fetch(gomock.Any(), testNIP).
		Return(&providers.RawResult{Payload: json.RawMessage(`{"subject":{"name":"ACME"}}`), ReportVariant: "BIR11OsPrawna"}, nil)
	s.returns(providers.MF, `{"vat_status":{"status":"Czynny"}}`)
	s.returns(providers.VIES, `{"vat":{"valid":true}}`)
	s.returns(providers.IBAN, `{"bank_accounts":[{"account_number":"PL61109010140000071219812874"}]}`)

	svc := s.service(WithNotifier(disp))
	res, err := svc.Resolve(s.ctx(), s.request())
	s.Require().NoError(err)

	s.Equal(DispositionSuccess, res.Disposition)
	s.Require().Len(res.Providers, 4)
	for _, pr := range res.Providers {
		s.Equal(StatusFresh, pr.Status, pr.Provider)
		s.False(pr.Stale)
		s.NotEmpty(pr.Payload)
		s.Require().NotNil(pr.FetchedAt)
		s.Equal(s.now, *pr.FetchedAt)
	}
	regon, ok := res.Provider(providers.Regon)
	s.Require().True(ok)
	s.Equal("BIR11OsPrawna", regon.ReportVariant)

	records, err := s.log.ListByEntity(context.Background(), testNIP, 0)
	s.Require().NoError(err)
	s.Require().Len(records, 4)
	seen := map[providers.Name]bool{}
	for _, r := range records {
		s.Equal(changes.KindInitial, r.Kind)
		seen[r.Provider] = true
	}
	s.Len(seen, 4)

	due, err := tasks.ClaimDue(context.Background(), s.now, 0)
	s.Require().NoError(err)
	s.Len(due, 8)
}

func (s *ServiceSuite) TestFreshSnapshotIsServedWithoutUpstreamCall() {
	s.returns(providers.MF, `{"vat_status":{"status":"Czynny"}}`).Times(1)
	svc := s.service()

	first, err := svc.Resolve(s.ctx(), s.request(providers.MF))
	s.Require().NoError(err)
	s.Equal(StatusFresh, first.Providers[0].Status)

	s.now = s.now.Add(time.Hour)
	second, err := svc.Resolve(s.ctx(), s.request(providers.MF))
	s.Require().NoError(err)
	s.Equal(StatusCached, second.Providers[0].Status)
	s.JSONEq(string(first.Providers[0].Payload), string(second.Providers[0].Payload))
	s.Equal(1, s.limiter.calls)
}

func (s *ServiceSuite) TestForceRefreshBypassesFreshSnapshotAndRecordsUpdate() {
	s.seed(providers.MF, `{"vat_status":{"status":"Czynny"}}`, s.now.Add(-time.Hour), 24*time.Hour)
	s.returns(providers.MF, `{"vat_status":{"status":"Zwolniony"}}`)
	svc := s.service()

	req := s.request(providers.MF)
	req.ForceRefresh = []providers.Name{providers.MF}
	res, err := svc.Resolve(s.ctx(), req)
	s.Require().NoError(err)
	s.Equal(StatusFresh, res.Providers[0].Status)

	records, err := s.log.ListByEntity(context.Background(), testNIP, 0)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal(changes.KindUpdated, records[0].Kind)
	s.Equal([]string{"vat_status"}, records[0].Changeset.SectionNames())
}

func (s *ServiceSuite) TestUnchangedPayloadRecordsNothing() {
	payload := `{"vat":{"valid":true}}`
	s.seed(providers.VIES, payload, s.now.Add(-48*time.Hour), 24*time.Hour)
	s.returns(providers.VIES, payload)

	res, err := s.service().Resolve(s.ctx(), s.request(providers.VIES))
	s.Require().NoError(err)
	s.Equal(StatusFresh, res.Providers[0].Status)

	records, err := s.log.ListByEntity(context.Background(), testNIP, 0)
	s.Require().NoError(err)
	s.Empty(records)
}

func (s *ServiceSuite) TestConcurrentResolvesShareOneFetch() {
	release := make(chan struct{})
	s.conns[providers.MF].EXPECT().Fetch(gomock.Any(), testNIP).
		DoAndReturn(func(ctx context.Context, _ domain.NIP) (*providers.RawResult, error) {
			<-release
			return &providers.RawResult{Payload: json.RawMessage(`{"vat_status":{"status":"Czynny"}}`)}, nil
		}).Times(1)
	svc := s.service()

	const callers = 10
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			res, err := svc.Resolve(s.ctx(), s.request(providers.MF))
			s.NoError(err)
			results[i] = res
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, res := range results {
		s.Require().NotNil(res)
		pr := res.Providers[0]
		s.Contains([]Status{StatusFresh, StatusCached}, pr.Status)
		s.JSONEq(`{"vat_status":{"status":"Czynny"}}`, string(pr.Payload))
	}
}

func (s *ServiceSuite) realLimiter() *service.Limiter {
	limiter, err := service.New(bucket.New())
	s.Require().NoError(err)
	return limiter
}

func (s *ServiceSuite) resolveConcurrently(svc *Service, callers int) []*Result {
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			req := s.request(providers.Regon)
			req.Caller = models.Caller{ID: fmt.Sprintf("caller-%d", i), Tier: models.QuotaTierPremium}
			res, err := svc.Resolve(s.ctx(), req)
			s.NoError(err)
			results[i] = res
		})
	}
	wg.Wait()
	return results
}

func (s *ServiceSuite) TestSharedFetchChargesProviderBudgetOnce() {
	release := make(chan struct{})
	s.conns[providers.Regon].EXPECT().Fetch(gomock.Any(), testNIP).
		DoAndReturn(func(ctx context.Context, _ domain.NIP) (*providers.RawResult, error) {
			<-release
			return &providers.RawResult{Payload: json.RawMessage(`{"subject":{"name":"ACME"}}`), ReportVariant: "BIR11OsPrawna"}, nil
		}).Times(1)
	svc, err := New(s.registry, s.cache, s.realLimiter())
	s.Require().NoError(err)

	const callers = 8
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	wg.Go(func() {
		copy(results, s.resolveConcurrently(svc, callers))
	})
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, res := range results {
		s.Require().NotNil(res, "caller %d", i)
		pr := res.Providers[0]
		s.Contains([]Status{StatusFresh, StatusCached}, pr.Status, "caller %d", i)
		s.Equal(DispositionSuccess, res.Disposition)
	}
}

func (s *ServiceSuite) TestExhaustedProviderBudgetIsSharedByWaiters() {
	s.conns[providers.Regon].EXPECT().Fetch(gomock.Any(), gomock.Any()).Times(0)
	limiter := s.realLimiter()
	for range 3 {
		d, err := limiter.AcquireProvider(s.ctx(), providers.Regon)
		s.Require().NoError(err)
		s.Require().True(d.Allowed)
	}
	svc, err := New(s.registry, s.cache, limiter)
	s.Require().NoError(err)

	for _, res := range s.resolveConcurrently(svc, 5) {
		pr := res.Providers[0]
		s.Equal(StatusRateLimited, pr.Status)
		s.Require().NotNil(pr.NextAvailableAt)
		s.Equal(s.now.Add(time.Second), *pr.NextAvailableAt)
		s.Equal(DispositionRateLimited, res.Disposition)
	}
}

func (s *ServiceSuite) TestPartialComposition() {
	s.seed(providers.VIES, `{"vat":{"valid":true}}`, s.now.Add(-time.Hour), 24*time.Hour)
	retryAt := s.now.Add(40 * time.Second)
	s.limiter.denied[providers.Regon] = retryAt
	s.returns(providers.MF, `{"vat_status":{"status":"Czynny"}}`).Times(2)
	svc := s.service()

	names := []providers.Name{providers.MF, providers.Regon, providers.VIES}
	strict := s.request(names...)
	strict.ForceRefresh = []providers.Name{providers.MF}
	res, err := svc.Resolve(s.ctx(), strict)
	s.Require().NoError(err)
	s.Equal(DispositionRateLimited, res.Disposition)
	s.Require().Len(res.Providers, 3)
	s.Equal(StatusFresh, res.Providers[0].Status)
	s.Equal(StatusRateLimited, res.Providers[1].Status)
	s.Equal(retryAt, *res.Providers[1].NextAvailableAt)
	s.Nil(res.Providers[1].Payload)
	s.Equal(StatusCached, res.Providers[2].Status)
	s.Equal(retryAt, *res.NextAvailableAt)

	lenient := strict
	lenient.AllowPartial = true
	res, err = svc.Resolve(s.ctx(), lenient)
	s.Require().NoError(err)
	s.Equal(DispositionSuccess, res.Disposition)
	s.Len(res.Providers, 3)
}

func (s *ServiceSuite) TestRateLimitedServesStaleSnapshot() {
	s.seed(providers.Regon, `{"subject":{"name":"ACME"}}`, s.now.Add(-48*time.Hour), 24*time.Hour)
	s.limiter.denied[providers.Regon] = s.now.Add(time.Second)

	res, err := s.service().Resolve(s.ctx(), s.request(providers.Regon))
	s.Require().NoError(err)
	pr := res.Providers[0]
	s.Equal(StatusRateLimited, pr.Status)
	s.True(pr.Stale)
	s.JSONEq(`{"subject":{"name":"ACME"}}`, string(pr.Payload))
}

func (s *ServiceSuite) TestUpstreamErrorFallsBackToStale() {
	s.seed(providers.VIES, `{"vat":{"valid":true}}`, s.now.Add(-48*time.Hour), 24*time.Hour)
	s.conns[providers.VIES].EXPECT().Fetch(gomock.Any(), testNIP).
		Return(nil, providers.NewProviderError(providers.ErrorUpstream, providers.VIES, "status 503", nil))

	res, err := s.service().Resolve(s.ctx(), s.request(providers.VIES))
	s.Require().NoError(err)
	s.Equal(DispositionPartialFailure, res.Disposition)
	pr := res.Providers[0]
	s.Equal(StatusError, pr.Status)
	s.True(pr.Stale)
	s.Contains(pr.Error, "status 503")
	s.NotEmpty(pr.Payload)
}

func (s *ServiceSuite) TestNotFoundIsNotCached() {
	s.conns[providers.Regon].EXPECT().Fetch(gomock.Any(), testNIP).
		Return(nil, providers.NewProviderError(providers.ErrorNotFound, providers.Regon, "no entity", nil))

	res, err := s.service().Resolve(s.ctx(), s.request(providers.Regon))
	s.Require().NoError(err)
	s.Equal(DispositionSuccess, res.Disposition)
	s.Equal(StatusNotFound, res.Providers[0].Status)

	_, err = s.cache.Get(context.Background(), testNIP, providers.Regon)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ServiceSuite) TestUnrecognizedEntityTypeIsAnError() {
	s.conns[providers.Regon].EXPECT().Fetch(gomock.Any(), testNIP).
		Return(nil, providers.NewProviderError(providers.ErrorUnrecognizedEntityType, providers.Regon, "entity type X", nil))

	res, err := s.service().Resolve(s.ctx(), s.request(providers.Regon))
	s.Require().NoError(err)
	s.Equal(StatusError, res.Providers[0].Status)
	s.Contains(res.Providers[0].Error, "unrecognized_entity_type")
}

func (s *ServiceSuite) TestUpstreamThrottlePenalizesProvider() {
	s.conns[providers.MF].EXPECT().Fetch(gomock.Any(), testNIP).
		Return(nil, providers.NewRateLimitedError(providers.MF, 30*time.Second))

	res, err := s.service().Resolve(s.ctx(), s.request(providers.MF))
	s.Require().NoError(err)
	pr := res.Providers[0]
	s.Equal(StatusRateLimited, pr.Status)
	s.Equal(s.now.Add(30*time.Second), *pr.NextAvailableAt)
	s.Equal(s.now.Add(30*time.Second), s.limiter.penalties[providers.MF])
}

func (s *ServiceSuite) TestOpenBreakerComposesAsRateLimited() {
	s.conns[providers.IBAN].EXPECT().Fetch(gomock.Any(), testNIP).
		Return(nil, providers.NewProviderError(providers.ErrorUpstream, providers.IBAN, "status 500", nil)).Times(2)
	svc := s.service(WithBreakerOptions(circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour)))

	for range 2 {
		res, err := svc.Resolve(s.ctx(), s.request(providers.IBAN))
		s.Require().NoError(err)
		s.Equal(StatusError, res.Providers[0].Status)
	}

	calls := s.limiter.calls
	res, err := svc.Resolve(s.ctx(), s.request(providers.IBAN))
	s.Require().NoError(err)
	pr := res.Providers[0]
	s.Equal(StatusRateLimited, pr.Status)
	s.Require().NotNil(pr.NextAvailableAt)
	s.Equal(calls, s.limiter.calls, "an open breaker must not spend budget")

	b, ok := svc.Breaker(providers.IBAN)
	s.Require().True(ok)
	s.Equal(circuit.StateOpen, b.State())
}

func (s *ServiceSuite) TestRequestDeadlineTurnsPendingProvidersIntoTimeouts() {
	s.seed(providers.VIES, `{"vat":{"valid":true}}`, s.now.Add(-48*time.Hour), 24*time.Hour)
	s.conns[providers.VIES].EXPECT().Fetch(gomock.Any(), testNIP).
		DoAndReturn(func(ctx context.Context, _ domain.NIP) (*providers.RawResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	s.returns(providers.MF, `{"vat_status":{"status":"Czynny"}}`)
	svc := s.service(WithTimeouts(300*time.Millisecond, 50*time.Millisecond))

	res, err := svc.Resolve(s.ctx(), s.request(providers.MF, providers.VIES))
	s.Require().NoError(err)
	s.Equal(StatusFresh, res.Providers[0].Status)
	vies := res.Providers[1]
	s.Equal(StatusError, vies.Status)
	s.Contains(vies.Error, "timeout")
	s.True(vies.Stale)
	s.Equal(DispositionPartialFailure, res.Disposition)
}

func (s *ServiceSuite) TestRejectsInvalidRequests() {
	svc := s.service()
	_, err := svc.Resolve(s.ctx(), Request{})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	_, err = svc.Resolve(s.ctx(), Request{EntityID: testNIP, Providers: []providers.Name{"krs"}})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *ServiceSuite) TestNewValidatesDependencies() {
	_, err := New(nil, s.cache, s.limiter)
	s.Error(err)
	_, err = New(s.registry, nil, s.limiter)
	s.Error(err)
	_, err = New(s.registry, s.cache, nil)
	s.Error(err)
	_, err = New(s.registry, s.cache, s.limiter, WithDispositionScope("global"))
	s.Error(err)
}
