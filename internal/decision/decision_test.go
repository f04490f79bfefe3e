package decision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/configstore"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type fixture struct {
	svc     *Service
	repo    *repository.SQLRepository
	configs *configstore.Store
	tracker anomaly.Tracker
	alerts  *alerts.Service
}

// failingStore loses every RecordEvaluation.
type failingStore struct {
	*repository.SQLRepository
}

func (failingStore) RecordEvaluation(context.Context, *domain.EvaluationRecord) (*domain.Alert, error) {
	return nil, errors.New("disk full")
}

func newFixture(t *testing.T, patch *domain.RuleConfigPatch, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	configs := configstore.New(repo, nil)
	_, err = configs.Load(ctx)
	require.NoError(t, err)
	if patch != nil {
		_, err = configs.Set(ctx, patch, "test")
		require.NoError(t, err)
	}

	f := &fixture{
		repo:    repo,
		configs: configs,
		tracker: anomaly.NewMemoryTracker(),
		alerts:  alerts.New(repo, nil),
	}
	f.svc, err = New(repo, configs, f.tracker, f.alerts, opts...)
	require.NoError(t, err)
	return f
}

func sensitiveElectronics(id string) *domain.ScoredTransaction {
	return &domain.ScoredTransaction{
		Transaction: domain.Transaction{
			ID:             id,
			Amount:         50,
			Currency:       "EUR",
			ExternalUserID: "user-a",
			Merchant:       domain.MerchantInfo{Name: "TechShop", Category: "electronics"},
			IPAddress:      "5.8.0.1",
			IPCountry:      "RU",
		},
		RawScore:     0.60,
		ModelVersion: "rf-1.2",
	}
}

func largeRetail(id, user string) *domain.ScoredTransaction {
	return &domain.ScoredTransaction{
		Transaction: domain.Transaction{
			ID:             id,
			Amount:         9000,
			Currency:       "EUR",
			ExternalUserID: user,
			Merchant:       domain.MerchantInfo{Name: "Maison", Category: "retail"},
			IPAddress:      "90.1.2.3",
			IPCountry:      "FR",
		},
		RawScore:     0.10,
		ModelVersion: "rf-1.2",
	}
}

// brokenAdjuster fails every adjustment.
type brokenAdjuster struct{}

func (brokenAdjuster) Adjust(float64, *domain.Transaction, *domain.RuleConfig) (*rules.Adjustment, error) {
	return nil, errors.New("no such overload")
}

func boolPtr(b bool) *bool { return &b }

func modePtr(m domain.AutoBlockMode) *domain.AutoBlockMode { return &m }

func TestSensitiveElectronicsLowAmount(t *testing.T) {
	tests := []struct {
		name       string
		patch      *domain.RuleConfigPatch
		wantAction domain.Action
		wantMode   domain.BlockMode
		wantStatus domain.AlertStatus
	}{
		{
			name:       "auto block off",
			wantAction: domain.ActionReview,
			wantMode:   domain.BlockNone,
			wantStatus: domain.StatusNew,
		},
		{
			name:       "auto block proposed",
			patch:      &domain.RuleConfigPatch{AutoBlockActive: boolPtr(true)},
			wantAction: domain.ActionBlock,
			wantMode:   domain.BlockProposed,
			wantStatus: domain.StatusNew,
		},
		{
			name:       "auto block enforced",
			patch:      &domain.RuleConfigPatch{AutoBlockActive: boolPtr(true), AutoBlockMode: modePtr(domain.AutoBlockEnforce)},
			wantAction: domain.ActionBlock,
			wantMode:   domain.BlockEnforced,
			wantStatus: domain.StatusResolvedFraud,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.patch)
			ctx := context.Background()

			d, err := f.svc.Evaluate(ctx, sensitiveElectronics("tx-a"))
			require.NoError(t, err)

			assert.Equal(t, "0.725", d.AdjustedScore)
			assert.Equal(t, domain.TierHigh, d.Tier)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantMode, d.BlockMode)
			assert.Equal(t, []string{domain.ReasonSensitiveCountry, domain.ReasonLowAmount, domain.ReasonElectronics}, d.Reasons)
			assert.False(t, d.Degraded)
			require.NotEmpty(t, d.AlertID)

			alert, err := f.alerts.Get(ctx, d.AlertID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, alert.Status)
			assert.Equal(t, domain.SeverityCritical, alert.Severity)
			assert.Equal(t, "Score IA: 0.60", alert.AnalystNotes)
			assert.Equal(t, tt.wantStatus == domain.StatusResolvedFraud, alert.ConfirmedFraud)

			entries, err := f.alerts.Audit(ctx, d.AlertID)
			require.NoError(t, err)
			assert.Equal(t, domain.AuditCreate, entries[0].Action)
			if tt.wantMode == domain.BlockEnforced {
				require.Len(t, entries, 2)
				assert.Equal(t, domain.AuditAutoBlock, entries[1].Action)
				assert.Equal(t, domain.SystemActor, entries[1].Actor)
			}
		})
	}
}

func TestLargeAmountBonus(t *testing.T) {
	f := newFixture(t, nil)

	d, err := f.svc.Evaluate(context.Background(), largeRetail("tx-b", "user-b"))
	require.NoError(t, err)
	assert.Equal(t, "0.6", d.AdjustedScore)
	assert.Equal(t, domain.TierMedium, d.Tier)
	assert.Equal(t, domain.ActionReview, d.Action)
	assert.Equal(t, []string{domain.ReasonAmountOver8000}, d.Reasons)
	assert.Equal(t, int64(1), d.ConfigVersion)
	assert.NotEmpty(t, d.AlertID)
}

func TestZeroScoreAllows(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	in := &domain.ScoredTransaction{
		Transaction: domain.Transaction{
			ID: "tx-zero", Amount: 500, ExternalUserID: "user-z",
			Merchant: domain.MerchantInfo{Category: "grocery"}, IPCountry: "FR",
		},
	}
	d, err := f.svc.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "0", d.AdjustedScore)
	assert.Equal(t, domain.ActionAllow, d.Action)
	assert.Equal(t, domain.TierLow, d.Tier)
	assert.Empty(t, d.AlertID)
	assert.Empty(t, d.Reasons)

	list, err := f.alerts.List(ctx, domain.AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestConsecutiveAnomaliesEscalate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var last *domain.Decision
	for i, id := range []string{"tx-c1", "tx-c2", "tx-c3"} {
		d, err := f.svc.Evaluate(ctx, largeRetail(id, "user-c"))
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, domain.ActionReview, d.Action, "evaluation %d", i+1)
			assert.False(t, d.Escalated)
		}
		last = d
	}

	assert.Equal(t, domain.ActionBlock, last.Action)
	assert.Equal(t, domain.BlockProposed, last.BlockMode)
	assert.Equal(t, domain.TierMedium, last.Tier)
	assert.True(t, last.Escalated)
	assert.Contains(t, last.Reasons, domain.ReasonAnomalyEscalation)

	count, err := f.tracker.Count(ctx, "user-c")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	alert, err := f.alerts.Get(ctx, last.AlertID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCritical, alert.Severity)
}

func TestIdempotence(t *testing.T) {
	f := newFixture(t, nil, WithCache(cache.NewLRUCache(100), time.Minute, time.Minute))
	ctx := context.Background()

	first, err := f.svc.Evaluate(ctx, largeRetail("tx-idem", "user-i"))
	require.NoError(t, err)
	second, err := f.svc.Evaluate(ctx, largeRetail("tx-idem", "user-i"))
	require.NoError(t, err)

	assert.Equal(t, first.AlertID, second.AlertID)
	assert.Equal(t, first.Action, second.Action)
	assert.Equal(t, first.AdjustedScore, second.AdjustedScore)
	assert.True(t, first.DecidedAt.Equal(second.DecidedAt))

	count, err := f.tracker.Count(ctx, "user-i")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "re-evaluation must not count twice")

	list, err := f.alerts.List(ctx, domain.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConcurrentDuplicateEvaluations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const n = 8
	results := make([]*domain.Decision, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.svc.Evaluate(ctx, sensitiveElectronics("tx-dup"))
			assert.NoError(t, err)
			results[i] = d
		}()
	}
	wg.Wait()

	for _, d := range results {
		require.NotNil(t, d)
		assert.Equal(t, results[0].AlertID, d.AlertID)
	}
	list, err := f.alerts.List(ctx, domain.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	count, err := f.tracker.Count(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestValidationTouchesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	in := largeRetail("tx-bad", "user-v")
	in.RawScore = 1.5
	d, err := f.svc.Evaluate(ctx, in)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, domain.ErrValidation)

	count, err := f.tracker.Count(ctx, "user-v")
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = f.svc.Get(ctx, "tx-bad")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFailClosedWithoutConfig(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	defer repo.Close()

	tracker := anomaly.NewMemoryTracker()
	svc, err := New(repo, configstore.New(repo, nil), tracker, alerts.New(repo, nil))
	require.NoError(t, err)

	in := &domain.ScoredTransaction{Transaction: domain.Transaction{ID: "tx-nocfg", ExternalUserID: "user-n"}}
	d, err := svc.Evaluate(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	require.NotNil(t, d)
	assert.Equal(t, domain.ActionReview, d.Action)
	assert.True(t, d.Degraded)

	count, _ := tracker.Count(context.Background(), "user-n")
	assert.Zero(t, count)
}

func TestFailClosedOnAdjustmentError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.svc.adjuster = brokenAdjuster{}

	d, err := f.svc.Evaluate(ctx, sensitiveElectronics("tx-adjust"))
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	require.NotNil(t, d)
	assert.Equal(t, domain.ActionReview, d.Action)
	assert.True(t, d.Degraded)

	count, err := f.tracker.Count(ctx, "user-a")
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = f.svc.Get(ctx, "tx-adjust")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFailClosedOnPersistence(t *testing.T) {
	tests := []struct {
		name       string
		patch      *domain.RuleConfigPatch
		wantAction domain.Action
	}{
		{name: "review stays review", wantAction: domain.ActionReview},
		{name: "block is kept", patch: &domain.RuleConfigPatch{AutoBlockActive: boolPtr(true)}, wantAction: domain.ActionBlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.patch)
			ctx := context.Background()
			svc, err := New(failingStore{f.repo}, f.configs, f.tracker, f.alerts)
			require.NoError(t, err)

			d, err := svc.Evaluate(ctx, sensitiveElectronics("tx-fail"))
			require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.True(t, d.Degraded)
			assert.Empty(t, d.AlertID)

			count, err := f.tracker.Count(ctx, "user-a")
			require.NoError(t, err)
			assert.Zero(t, count, "failed unit of work must revert the counter")

			_, err = f.svc.Get(ctx, "tx-fail")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestBanListBlocks(t *testing.T) {
	f := newFixture(t, nil, WithCache(cache.NewLRUCache(100), time.Minute, time.Minute))
	ctx := context.Background()

	_, err := f.svc.Ban(ctx, domain.BanIP, "5.8.0.1", "chargeback ring")
	require.NoError(t, err)

	in := largeRetail("tx-banned", "user-ban")
	in.Transaction.IPAddress = "5.8.0.1"
	in.RawScore = 0
	in.Transaction.Amount = 20

	d, err := f.svc.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBlock, d.Action)
	assert.Equal(t, domain.BlockEnforced, d.BlockMode)
	assert.Contains(t, d.Reasons, domain.ReasonBannedIP)

	alert, err := f.alerts.Get(ctx, d.AlertID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolvedFraud, alert.Status)
	assert.Equal(t, domain.SeverityCritical, alert.Severity)
	assert.True(t, alert.ConfirmedFraud)
	assert.Equal(t, bannedIPNote, alert.AnalystNotes)

	count, err := f.tracker.Count(ctx, "user-ban")
	require.NoError(t, err)
	assert.Zero(t, count, "banned traffic bypasses the anomaly tracker")

	banned, err := f.repo.IsBanned(ctx, HashEntity(domain.BanIP, "5.8.0.1"))
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestBanUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Ban(ctx, domain.BanUser, "user-evil", "")
	require.NoError(t, err)

	d, err := f.svc.Evaluate(ctx, largeRetail("tx-evil", "user-evil"))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBlock, d.Action)
	assert.Contains(t, d.Reasons, domain.ReasonBannedUser)

	_, err = f.svc.Ban(ctx, domain.BanEntityType("device"), "x", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Ban(ctx, domain.BanIP, " ", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBanSeenAcrossNodeCaches(t *testing.T) {
	f := newFixture(t, nil, WithCache(cache.NewLRUCache(100), time.Minute, time.Hour))
	ctx := context.Background()

	other, err := New(f.repo, f.configs, f.tracker, f.alerts, WithCache(cache.NewLRUCache(100), time.Minute, time.Hour))
	require.NoError(t, err)

	d, err := f.svc.Evaluate(ctx, largeRetail("tx-before-ban", "user-node"))
	require.NoError(t, err)
	assert.NotContains(t, d.Reasons, domain.ReasonBannedUser)

	_, err = other.Ban(ctx, domain.BanUser, "user-node", "mule account")
	require.NoError(t, err)

	d, err = f.svc.Evaluate(ctx, largeRetail("tx-after-ban", "user-node"))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBlock, d.Action)
	assert.Contains(t, d.Reasons, domain.ReasonBannedUser)
}

func TestGeoResolution(t *testing.T) {
	table, err := ParsePrefixTable(strings.NewReader("# test table\n5.8.0.0/16,ru\n"))
	require.NoError(t, err)

	f := newFixture(t, nil, WithGeoResolver(table))
	in := sensitiveElectronics("tx-geo")
	in.Transaction.IPCountry = ""

	d, err := f.svc.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "0.725", d.AdjustedScore)

	tx, err := f.repo.GetTransaction(context.Background(), "tx-geo")
	require.NoError(t, err)
	assert.Equal(t, "RU", tx.IPCountry)
}

func TestReplay(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{"tx-r1", "tx-r2", "tx-r3"} {
		_, err := f.svc.Evaluate(ctx, largeRetail(id, "user-r"))
		require.NoError(t, err)
	}
	_, err := f.svc.Evaluate(ctx, sensitiveElectronics("tx-ra"))
	require.NoError(t, err)

	high := 0.9
	_, err = f.configs.Set(ctx, &domain.RuleConfigPatch{FraudThresholdHigh: &high}, "alice")
	require.NoError(t, err)

	for _, id := range []string{"tx-r1", "tx-r3", "tx-ra"} {
		t.Run(id, func(t *testing.T) {
			res, err := f.svc.Replay(ctx, id)
			require.NoError(t, err)
			assert.True(t, res.Match, "stored %+v recomputed %+v", res.Stored, res.Recomputed)
			assert.Equal(t, int64(1), res.Recomputed.ConfigVersion)
		})
	}

	_, err = f.svc.Replay(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPrefixTable(t *testing.T) {
	table, err := ParsePrefixTable(strings.NewReader(`
# most specific wins
10.0.0.0/8,FR
10.1.0.0/16,DE
2001:db8::/32,NL
`))
	require.NoError(t, err)
	assert.Equal(t, 3, table.Len())

	tests := []struct {
		ip     string
		want   string
		wantOK bool
	}{
		{"10.2.3.4", "FR", true},
		{"10.1.3.4", "DE", true},
		{"::ffff:10.1.3.4", "DE", true},
		{"2001:db8::1", "NL", true},
		{"192.168.0.1", "", false},
		{"not-an-ip", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			got, ok := table.Country(tt.ip)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = ParsePrefixTable(strings.NewReader("10.0.0.0/8"))
	assert.Error(t, err)
	_, err = ParsePrefixTable(strings.NewReader("10.0.0.0/8,FRA"))
	assert.Error(t, err)
}

func TestHashEntity(t *testing.T) {
	assert.Equal(t, HashEntity(domain.BanIP, "10.0.0.1"), HashEntity(domain.BanIP, "::ffff:10.0.0.1"))
	assert.Equal(t, HashEntity(domain.BanUser, "user-1"), HashEntity(domain.BanUser, " user-1 "))
	assert.Len(t, HashEntity(domain.BanUser, "user-1"), 64)
	assert.NotEqual(t, HashEntity(domain.BanUser, "user-1"), HashEntity(domain.BanUser, "user-2"))
}
