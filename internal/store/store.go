package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"lotledger/backend/internal/domain"
	"lotledger/backend/internal/ledger"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrSaleNotDraft           = errors.New("sale is not a draft")
	ErrInvalidInput           = errors.New("invalid input")
	ErrConflict               = errors.New("conflict")
)

// QualityMutator receives the stored quality and returns the version to save.
type QualityMutator func(current domain.Quality) (domain.Quality, error)

// ArticleMutator receives the stored article and returns the version to save.
type ArticleMutator func(current domain.Article) (domain.Article, error)

// DeliveryMutator receives the stored delivery and the number of sale lines
// that reference it as real or accounting delivery. It runs while the
// delivery is locked.
type DeliveryMutator func(current domain.Delivery, referencedLines int) (domain.Delivery, error)

type Repository interface {
	CreateQuality(ctx context.Context, quality domain.Quality) (*domain.Quality, error)
	UpdateQuality(ctx context.Context, id string, mutate QualityMutator) (*domain.Quality, error)
	GetQuality(ctx context.Context, id string) (*domain.Quality, error)
	ListQualities(ctx context.Context, includeInactive bool) ([]domain.Quality, error)

	CreateArticle(ctx context.Context, article domain.Article) (*domain.Article, error)
	UpdateArticle(ctx context.Context, id string, mutate ArticleMutator) (*domain.Article, error)
	GetArticle(ctx context.Context, id string) (*domain.Article, error)
	ListArticles(ctx context.Context, includeInactive bool) ([]domain.Article, error)

	// CreateDelivery fails with ledger.ErrUnknownQuality when the quality is
	// missing or inactive and ledger.ErrDuplicateDisplayID on collision.
	CreateDelivery(ctx context.Context, delivery domain.Delivery) (*domain.Delivery, error)
	UpdateDelivery(ctx context.Context, id string, mutate DeliveryMutator) (*domain.Delivery, error)
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	ListDeliveries(ctx context.Context, qualityID string) ([]domain.Delivery, error)
	// ListFinalizedLines returns every line of a finalized sale, the input of
	// balance computation.
	ListFinalizedLines(ctx context.Context) ([]domain.SaleLine, error)

	// CreateSale locks the deliveries the inputs touch, recomputes balances
	// from committed finalized lines, runs ledger.Allocate and inserts the
	// sale with its lines, all in one transaction. SaleNumber is assigned by
	// the store.
	CreateSale(ctx context.Context, sale domain.Sale, inputs []domain.SaleLineInput) (*domain.SaleWithLines, error)
	// FinalizeSale re-validates a draft with ledger.RevalidateStock under the
	// same locking discipline and flips its status.
	FinalizeSale(ctx context.Context, id string) (*domain.SaleWithLines, error)
	GetSale(ctx context.Context, id string) (*domain.SaleWithLines, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleWithLines, error)
	UpdateSaleNote(ctx context.Context, id string, paymentMethod string, note string) (*domain.Sale, error)

	DeleteSale(ctx context.Context, id string) (domain.CascadeSummary, error)
	// DeleteDelivery removes every sale with a line referencing the delivery
	// as real or accounting delivery, then the delivery. With dryRun the
	// summary is computed and nothing is removed.
	DeleteDelivery(ctx context.Context, id string, dryRun bool) (domain.CascadeSummary, error)
	DeleteQuality(ctx context.Context, id string, dryRun bool) (domain.CascadeSummary, error)

	// ReportDataset loads finalized sales with DateTime in [from, to) plus the
	// catalogs needed to label them. Zero bounds are open.
	ReportDataset(ctx context.Context, from time.Time, to time.Time) (ledger.Dataset, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// NameKey is the uniqueness key of quality and article names. A Caser is
// stateful, so one is built per call.
func NameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}
