package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotledger/backend/internal/cache"
	"lotledger/backend/internal/domain"
	"lotledger/backend/internal/ledger"
	"lotledger/backend/internal/store"
	"lotledger/backend/internal/store/memory"
)

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func operatorCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "operator", Role: domain.RoleOperator})
}

type fixture struct {
	svc *Service
	a1  domain.Article
	a2  domain.Article
	d1  domain.DeliveryBalance
	d2  domain.DeliveryBalance
	d3  domain.DeliveryBalance
}

// newFixture sets up D1 (invoiced, 100 kg at 2.00), D2 (not invoiced, 5 kg)
// and D3 (invoiced, 50 kg) with a 300 g and a 1 kg article.
func newFixture(t *testing.T, repo store.Repository, opts Options) fixture {
	t.Helper()
	svc := New(repo, opts)
	ctx := adminCtx()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	quality, err := svc.CreateQuality(ctx, domain.QualityCreateRequest{Name: "Basmati"})
	require.NoError(t, err)
	a1, err := svc.CreateArticle(ctx, domain.ArticleCreateRequest{Name: "A1", GramsPerPiece: 300})
	require.NoError(t, err)
	a2, err := svc.CreateArticle(ctx, domain.ArticleCreateRequest{Name: "A2", GramsPerPiece: 1000})
	require.NoError(t, err)

	d1, err := svc.CreateDelivery(ctx, domain.DeliveryCreateRequest{DisplayID: "D1", Date: day, QualityID: quality.ID, KgIn: 100, UnitCostPerKg: 2, InvoiceNumber: "INV-1", Supplier: "Mill North"})
	require.NoError(t, err)
	d2, err := svc.CreateDelivery(ctx, domain.DeliveryCreateRequest{DisplayID: "D2", Date: day, QualityID: quality.ID, KgIn: 5, UnitCostPerKg: 1.5})
	require.NoError(t, err)
	d3, err := svc.CreateDelivery(ctx, domain.DeliveryCreateRequest{DisplayID: "D3", Date: day, QualityID: quality.ID, KgIn: 50, UnitCostPerKg: 2.5, InvoiceNumber: "INV-3"})
	require.NoError(t, err)

	return fixture{svc: svc, a1: a1, a2: a2, d1: d1, d2: d2, d3: d3}
}

func saleAt(lines ...domain.SaleLineInput) domain.SaleCreateRequest {
	return domain.SaleCreateRequest{
		DateTime:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		PaymentMethod: "Cash",
		Lines:         lines,
	}
}

func TestCreateSaleOnInvoicedDeliveryComputesFigures(t *testing.T) {
	f := newFixture(t, memory.New(), Options{})
	ctx := operatorCtx()

	sale, err := f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a1.ID, Quantity: 10, UnitPriceEur: 5, RealDeliveryID: f.d1.ID,
	}))
	require.NoError(t, err)
	require.Len(t, sale.Lines, 1)

	line := sale.Lines[0]
	assert.Equal(t, domain.PaymentCash, sale.PaymentMethod)
	assert.Equal(t, domain.SaleStatusFinalized, sale.Status)
	assert.Empty(t, line.AccountingDeliveryID)
	assert.InDelta(t, 3.0, line.KgLine, 1e-9)
	assert.InDelta(t, 50.0, line.RevenueEur, 1e-9)
	assert.InDelta(t, 6.0, line.CogsRealEur, 1e-9)
	assert.InDelta(t, 44.0, line.ProfitRealEur, 1e-9)
	assert.InDelta(t, 88.0, line.MarginRealPercent, 1e-9)
	assert.InDelta(t, line.CogsRealEur, line.CogsAccEur, 1e-9)

	d1, err := f.svc.GetDelivery(ctx, f.d1.ID)
	require.NoError(t, err)
	assert.InDelta(t, 97.0, d1.KgRemainingReal, 1e-9)
	assert.InDelta(t, 97.0, d1.KgRemainingAcc, 1e-9)
	assert.Equal(t, "Basmati", d1.QualityName)
}

func TestCreateSaleRejectsOverdrawWithoutWriting(t *testing.T) {
	f := newFixture(t, memory.New(), Options{})
	ctx := operatorCtx()

	_, err := f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a2.ID, Quantity: 6, UnitPriceEur: 4, RealDeliveryID: f.d2.ID, AccountingDeliveryID: f.d3.ID,
	}))
	require.ErrorIs(t, err, ledger.ErrInsufficientRealStock)

	var verr *ledger.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, verr.Line)
	assert.InDelta(t, 6.0, verr.Required, 1e-9)
	assert.InDelta(t, 5.0, verr.Available, 1e-9)

	sales, err := f.svc.ListSales(ctx, domain.SaleFilter{})
	require.NoError(t, err)
	assert.Empty(t, sales)

	d2, err := f.svc.GetDelivery(ctx, f.d2.ID)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d2.KgRemainingReal, 1e-9)
}

func TestCreateSaleSplitsRealAndAccountingDelivery(t *testing.T) {
	f := newFixture(t, memory.New(), Options{})
	ctx := operatorCtx()

	sale, err := f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a2.ID, Quantity: 4, UnitPriceEur: 4, RealDeliveryID: f.d2.ID, AccountingDeliveryID: f.d3.ID,
	}))
	require.NoError(t, err)
	line := sale.Lines[0]
	require.NotNil(t, line.UnitCostPerKgAccSnapshot)
	assert.InDelta(t, 6.0, line.CogsRealEur, 1e-9)
	assert.InDelta(t, 10.0, line.CogsAccEur, 1e-9)

	d2, err := f.svc.GetDelivery(ctx, f.d2.ID)
	require.NoError(t, err)
	d3, err := f.svc.GetDelivery(ctx, f.d3.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, d2.KgRemainingReal, 1e-9)
	assert.InDelta(t, 46.0, d3.KgRemainingAcc, 1e-9)
	assert.InDelta(t, 50.0, d3.KgRemainingReal, 1e-9)
}

func TestCreateSaleRequiresAccountingDeliveryForUninvoicedLot(t *testing.T) {
	f := newFixture(t, memory.New(), Options{})

	_, err := f.svc.CreateSale(operatorCtx(), saleAt(domain.SaleLineInput{
		ArticleID: f.a2.ID, Quantity: 1, UnitPriceEur: 4, RealDeliveryID: f.d2.ID,
	}))
	assert.ErrorIs(t, err, ledger.ErrMissingAccountingDelivery)

	_, err = f.svc.CreateSale(operatorCtx(), domain.SaleCreateRequest{PaymentMethod: "crypto"})
	var verr *ledger.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payment_method", verr.Field)
}

func TestDraftSaleDoesNotConsumeUntilFinalized(t *testing.T) {
	f := newFixture(t, memory.New(), Options{})
	ctx := operatorCtx()

	req := saleAt(domain.SaleLineInput{ArticleID: f.a2.ID, Quantity: 4, UnitPriceEur: 4, RealDeliveryID: f.d1.ID})
	req.Draft = true
	draft, err := f.svc.CreateSale(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusDraft, draft.Status)

	d1, err := f.svc.GetDelivery(ctx, f.d1.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, d1.KgRemainingReal, 1e-9)

	finalized, err := f.svc.FinalizeSale(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusFinalized, finalized.Status)

	d1, err = f.svc.GetDelivery(ctx, f.d1.ID)
	require.NoError(t, err)
	assert.InDelta(t, 96.0, d1.KgRemainingReal, 1e-9)

	_, err = f.svc.FinalizeSale(ctx, draft.ID)
	assert.ErrorIs(t, err, store.ErrSaleNotDraft)
}

func TestUpdateDeliveryLockedOnceReferenced(t *testing.T) {
	f := newFixture(t, memory.New(), Options{})
	ctx := adminCtx()

	kg := 120.0
	updated, err := f.svc.UpdateDelivery(ctx, f.d3.ID, domain.DeliveryUpdateRequest{KgIn: &kg})
	require.NoError(t, err)
	assert.InDelta(t, 120.0, updated.KgIn, 1e-9)

	_, err = f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a2.ID, Quantity: 1, UnitPriceEur: 4, RealDeliveryID: f.d2.ID, AccountingDeliveryID: f.d3.ID,
	}))
	require.NoError(t, err)

	kg = 130
	_, err = f.svc.UpdateDelivery(ctx, f.d3.ID, domain.DeliveryUpdateRequest{KgIn: &kg})
	require.ErrorIs(t, err, ledger.ErrDeliveryLocked)

	note := "moved to shelf B"
	updated, err = f.svc.UpdateDelivery(ctx, f.d3.ID, domain.DeliveryUpdateRequest{Note: &note})
	require.NoError(t, err)
	assert.Equal(t, note, updated.Note)
	assert.InDelta(t, 119.0, updated.KgRemainingAcc, 1e-9)
}

func TestDeleteDeliveryCascadesThroughAccountingReferences(t *testing.T) {
	f := newFixture(t, memory.New(), Options{})
	ctx := adminCtx()

	_, err := f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a2.ID, Quantity: 2, UnitPriceEur: 4, RealDeliveryID: f.d2.ID, AccountingDeliveryID: f.d3.ID,
	}))
	require.NoError(t, err)
	_, err = f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a1.ID, Quantity: 1, UnitPriceEur: 2, RealDeliveryID: f.d1.ID,
	}))
	require.NoError(t, err)

	_, err = f.svc.DeleteDelivery(operatorCtx(), f.d3.ID)
	require.ErrorIs(t, err, ErrForbidden)

	preview, err := f.svc.PreviewDeleteDelivery(ctx, f.d3.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CascadeSummary{Deliveries: 1, Sales: 1, Lines: 1}, preview)

	summary, err := f.svc.DeleteDelivery(ctx, f.d3.ID)
	require.NoError(t, err)
	assert.Equal(t, preview, summary)

	sales, err := f.svc.ListSales(ctx, domain.SaleFilter{})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, f.d1.ID, sales[0].Lines[0].RealDeliveryID)

	d2, err := f.svc.GetDelivery(ctx, f.d2.ID)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d2.KgRemainingReal, 1e-9)
}

func TestDeliveryOptionsHideUninvoicedLotsInAccountingMode(t *testing.T) {
	f := newFixture(t, memory.New(), Options{})
	ctx := operatorCtx()

	realOpts, err := f.svc.DeliveryOptions(ctx, ledger.ModeReal)
	require.NoError(t, err)
	assert.Len(t, realOpts, 3)

	accOpts, err := f.svc.DeliveryOptions(ctx, ledger.ModeAccounting)
	require.NoError(t, err)
	ids := make([]string, 0, len(accOpts))
	for _, opt := range accOpts {
		ids = append(ids, opt.ID)
	}
	assert.ElementsMatch(t, []string{f.d1.ID, f.d3.ID}, ids)

	invoiced, err := f.svc.ListDeliveries(ctx, domain.DeliveryFilter{InvoicedOnly: true})
	require.NoError(t, err)
	assert.Len(t, invoiced, 2)
}

func TestCatalogWritesRequireAdmin(t *testing.T) {
	svc := New(memory.New(), Options{})

	_, err := svc.CreateQuality(operatorCtx(), domain.QualityCreateRequest{Name: "Jasmine"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.CreateArticle(adminCtx(), domain.ArticleCreateRequest{Name: "Zero", GramsPerPiece: 0})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = svc.CreateQuality(adminCtx(), domain.QualityCreateRequest{Name: "Jasmine"})
	require.NoError(t, err)
	_, err = svc.CreateQuality(adminCtx(), domain.QualityCreateRequest{Name: "  JASMINE "})
	assert.ErrorIs(t, err, ledger.ErrDuplicateName)

	logs, err := svc.ListAuditLogs(adminCtx(), time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "quality_create", logs[0].Action)
	assert.Equal(t, "admin", logs[0].ActorUsername)
}

type flakyRepo struct {
	store.Repository
	failures int32
	calls    atomic.Int32
}

func (r *flakyRepo) CreateSale(ctx context.Context, sale domain.Sale, inputs []domain.SaleLineInput) (*domain.SaleWithLines, error) {
	if r.calls.Add(1) <= r.failures {
		return nil, store.ErrConcurrentModification
	}
	return r.Repository.CreateSale(ctx, sale, inputs)
}

func TestCreateSaleRetriesConcurrentModification(t *testing.T) {
	repo := &flakyRepo{Repository: memory.New(), failures: 2}
	f := newFixture(t, repo, Options{RetryAttempts: 3})

	sale, err := f.svc.CreateSale(operatorCtx(), saleAt(domain.SaleLineInput{
		ArticleID: f.a1.ID, Quantity: 1, UnitPriceEur: 5, RealDeliveryID: f.d1.ID,
	}))
	require.NoError(t, err)
	assert.Equal(t, int32(3), repo.calls.Load())
	assert.Equal(t, int64(1), sale.SaleNumber)
}

func TestCreateSaleGivesUpAfterMaxAttempts(t *testing.T) {
	repo := &flakyRepo{Repository: memory.New(), failures: 5}
	f := newFixture(t, repo, Options{RetryAttempts: 2})

	_, err := f.svc.CreateSale(operatorCtx(), saleAt(domain.SaleLineInput{
		ArticleID: f.a1.ID, Quantity: 1, UnitPriceEur: 5, RealDeliveryID: f.d1.ID,
	}))
	require.ErrorIs(t, err, store.ErrConcurrentModification)
	assert.Equal(t, int32(2), repo.calls.Load())
}

type countingRepo struct {
	store.Repository
	loads atomic.Int32
}

func (r *countingRepo) ReportDataset(ctx context.Context, from time.Time, to time.Time) (ledger.Dataset, error) {
	r.loads.Add(1)
	return r.Repository.ReportDataset(ctx, from, to)
}

func TestReportIsCachedUntilNextWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := &countingRepo{Repository: memory.New()}
	f := newFixture(t, repo, Options{Cache: cache.NewRedisReportCacheWithClient(client), ReportCacheTTL: time.Minute})
	ctx := operatorCtx()

	_, err := f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a1.ID, Quantity: 10, UnitPriceEur: 5, RealDeliveryID: f.d1.ID,
	}))
	require.NoError(t, err)

	query := ledger.ReportQuery{Mode: ledger.ModeReal}
	first, err := f.svc.Report(ctx, query)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, first.Summary.RevenueEur, 1e-9)
	assert.InDelta(t, 44.0, first.Summary.ProfitEur, 1e-9)

	_, err = f.svc.Report(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, int32(1), repo.loads.Load())

	_, err = f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a1.ID, Quantity: 10, UnitPriceEur: 5, RealDeliveryID: f.d1.ID,
	}))
	require.NoError(t, err)

	second, err := f.svc.Report(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, int32(2), repo.loads.Load())
	assert.InDelta(t, 100.0, second.Summary.RevenueEur, 1e-9)
	assert.Equal(t, 2, second.Summary.SaleCount)
}

// gatedRepo holds the first report load until release is closed.
type gatedRepo struct {
	store.Repository
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (r *gatedRepo) ReportDataset(ctx context.Context, from time.Time, to time.Time) (ledger.Dataset, error) {
	first := false
	r.once.Do(func() {
		first = true
		close(r.started)
	})
	if first {
		<-r.release
	}
	return r.Repository.ReportDataset(ctx, from, to)
}

func TestReportAfterWriteDoesNotJoinEarlierBuild(t *testing.T) {
	repo := &gatedRepo{Repository: memory.New(), started: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, repo, Options{})
	ctx := operatorCtx()
	query := ledger.ReportQuery{Mode: ledger.ModeReal}

	type result struct {
		report ledger.Report
		err    error
	}
	stale := make(chan result, 1)
	go func() {
		report, err := f.svc.Report(ctx, query)
		stale <- result{report, err}
	}()
	<-repo.started

	_, err := f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a1.ID, Quantity: 10, UnitPriceEur: 5, RealDeliveryID: f.d1.ID,
	}))
	require.NoError(t, err)

	fresh := make(chan result, 1)
	go func() {
		report, err := f.svc.Report(ctx, query)
		fresh <- result{report, err}
	}()

	select {
	case res := <-fresh:
		require.NoError(t, res.err)
		assert.Equal(t, 1, res.report.Summary.SaleCount)
		assert.InDelta(t, 50.0, res.report.Summary.RevenueEur, 1e-9)
	case <-time.After(2 * time.Second):
		close(repo.release)
		t.Fatal("report requested after a write waited on a build started before it")
	}

	close(repo.release)
	res := <-stale
	require.NoError(t, res.err)
}

func TestReportRejectsInvertedRange(t *testing.T) {
	svc := New(memory.New(), Options{})
	now := time.Now().UTC()

	_, err := svc.Report(context.Background(), ledger.ReportQuery{From: now, To: now.Add(-time.Hour)})
	assert.True(t, errors.Is(err, ledger.ErrInvalidInput))
}

func TestInvoicedLotCannotOversellAccountingBorrowedByOtherLots(t *testing.T) {
	f := newFixture(t, memory.New(), Options{})
	ctx := operatorCtx()

	_, err := f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a2.ID, Quantity: 4, UnitPriceEur: 4, RealDeliveryID: f.d2.ID, AccountingDeliveryID: f.d3.ID,
	}))
	require.NoError(t, err)

	_, err = f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a2.ID, Quantity: 50, UnitPriceEur: 4, RealDeliveryID: f.d3.ID,
	}))
	require.ErrorIs(t, err, ledger.ErrInsufficientAccountingStock)

	var verr *ledger.Error
	require.ErrorAs(t, err, &verr)
	assert.InDelta(t, 50.0, verr.Required, 1e-9)
	assert.InDelta(t, 46.0, verr.Available, 1e-9)

	d3, err := f.svc.GetDelivery(ctx, f.d3.ID)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, d3.KgRemainingReal, 1e-9)
	assert.InDelta(t, 46.0, d3.KgRemainingAcc, 1e-9)

	_, err = f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a2.ID, Quantity: 46, UnitPriceEur: 4, RealDeliveryID: f.d3.ID,
	}))
	require.NoError(t, err)
	d3, err = f.svc.GetDelivery(ctx, f.d3.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d3.KgRemainingAcc, 1e-9)
	assert.InDelta(t, 4.0, d3.KgRemainingReal, 1e-9)
}

func TestFinalizeDraftRechecksMirroredAccountingBalance(t *testing.T) {
	f := newFixture(t, memory.New(), Options{})
	ctx := operatorCtx()

	draft := saleAt(domain.SaleLineInput{
		ArticleID: f.a2.ID, Quantity: 48, UnitPriceEur: 4, RealDeliveryID: f.d3.ID,
	})
	draft.Draft = true
	pending, err := f.svc.CreateSale(ctx, draft)
	require.NoError(t, err)

	_, err = f.svc.CreateSale(ctx, saleAt(domain.SaleLineInput{
		ArticleID: f.a2.ID, Quantity: 4, UnitPriceEur: 4, RealDeliveryID: f.d2.ID, AccountingDeliveryID: f.d3.ID,
	}))
	require.NoError(t, err)

	_, err = f.svc.FinalizeSale(ctx, pending.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientAccountingStock)
}

func TestCatalogEditsNeverRewriteRecordedSales(t *testing.T) {
	f := newFixture(t, memory.New(), Options{})

	created, err := f.svc.CreateSale(operatorCtx(), saleAt(
		domain.SaleLineInput{ArticleID: f.a1.ID, Quantity: 10, UnitPriceEur: 5, RealDeliveryID: f.d1.ID},
		domain.SaleLineInput{ArticleID: f.a1.ID, Quantity: 5, UnitPriceEur: 5, RealDeliveryID: f.d2.ID, AccountingDeliveryID: f.d3.ID},
	))
	require.NoError(t, err)
	before, err := f.svc.GetDelivery(adminCtx(), f.d1.ID)
	require.NoError(t, err)

	grams := 750.0
	_, err = f.svc.UpdateArticle(adminCtx(), f.a1.ID, domain.ArticleUpdateRequest{GramsPerPiece: &grams})
	require.NoError(t, err)
	note := "recounted"
	_, err = f.svc.UpdateDelivery(adminCtx(), f.d1.ID, domain.DeliveryUpdateRequest{Note: &note})
	require.NoError(t, err)

	reread, err := f.svc.GetSale(operatorCtx(), created.ID)
	require.NoError(t, err)
	require.Len(t, reread.Lines, 2)
	for i, line := range reread.Lines {
		want := created.Lines[i]
		assert.InDelta(t, 0.3, line.KgPerPieceSnapshot, 1e-12)
		assert.Equal(t, want.UnitCostPerKgRealSnapshot, line.UnitCostPerKgRealSnapshot)
		assert.Equal(t, want.UnitCostPerKgAccSnapshot, line.UnitCostPerKgAccSnapshot)
		assert.Equal(t, want.LineFigures, line.LineFigures)
	}
	assert.Equal(t, created.LineFigures, reread.LineFigures)

	after, err := f.svc.GetDelivery(adminCtx(), f.d1.ID)
	require.NoError(t, err)
	assert.Equal(t, before.KgRemainingReal, after.KgRemainingReal)
	assert.Equal(t, before.KgRemainingAcc, after.KgRemainingAcc)
	assert.Equal(t, "recounted", after.Note)
}
