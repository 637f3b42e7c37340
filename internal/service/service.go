package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"lotledger/backend/internal/cache"
	"lotledger/backend/internal/domain"
	"lotledger/backend/internal/ledger"
	"lotledger/backend/internal/store"
	"lotledger/backend/internal/xid"
)

var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Cache          cache.ReportCache
	ReportCacheTTL time.Duration
	RetryAttempts  int
	Logger         *slog.Logger
}

type Service struct {
	repo          store.Repository
	reports       cache.ReportCache
	reportTTL     time.Duration
	retryAttempts int
	logger        *slog.Logger
	builds        singleflight.Group
	// generation counts local writes; in-flight report builds are keyed by it.
	generation atomic.Uint64
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.NoopReportCache{}
	}
	if opts.ReportCacheTTL <= 0 {
		opts.ReportCacheTTL = time.Minute
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Service{
		repo:          repo,
		reports:       opts.Cache,
		reportTTL:     opts.ReportCacheTTL,
		retryAttempts: opts.RetryAttempts,
		logger:        opts.Logger,
	}
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

func (s *Service) ListQualities(ctx context.Context, includeInactive bool) ([]domain.Quality, error) {
	return s.repo.ListQualities(ctx, includeInactive)
}

func (s *Service) CreateQuality(ctx context.Context, req domain.QualityCreateRequest) (domain.Quality, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Quality{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Quality{}, ledger.Invalid("name")
	}

	created, err := s.repo.CreateQuality(ctx, domain.Quality{
		ID:        xid.New("qlt"),
		Name:      name,
		Note:      strings.TrimSpace(req.Note),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Quality{}, err
	}

	s.logAudit(ctx, "quality_create", "quality", created.ID, fmt.Sprintf("name=%s", created.Name))
	return *created, nil
}

// UpdateQuality edits name, note and the active flag. Deactivation is the
// soft delete: existing deliveries keep their quality.
func (s *Service) UpdateQuality(ctx context.Context, id string, req domain.QualityUpdateRequest) (domain.Quality, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Quality{}, err
	}

	saved, err := s.repo.UpdateQuality(ctx, strings.TrimSpace(id), func(current domain.Quality) (domain.Quality, error) {
		next := current
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return current, ledger.Invalid("name")
			}
			next.Name = name
		}
		if req.Note != nil {
			next.Note = strings.TrimSpace(*req.Note)
		}
		if req.Active != nil {
			next.Active = *req.Active
		}
		return next, nil
	})
	if err != nil {
		return domain.Quality{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "quality_update", "quality", saved.ID, fmt.Sprintf("name=%s,active=%t", saved.Name, saved.Active))
	return *saved, nil
}

func (s *Service) PreviewDeleteQuality(ctx context.Context, id string) (domain.CascadeSummary, error) {
	return s.repo.DeleteQuality(ctx, strings.TrimSpace(id), true)
}

func (s *Service) DeleteQuality(ctx context.Context, id string) (domain.CascadeSummary, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.CascadeSummary{}, err
	}

	id = strings.TrimSpace(id)
	summary, err := s.repo.DeleteQuality(ctx, id, false)
	if err != nil {
		return domain.CascadeSummary{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "quality_delete", "quality", id, cascadeDetail(summary))
	return summary, nil
}

func (s *Service) ListArticles(ctx context.Context, includeInactive bool) ([]domain.Article, error) {
	return s.repo.ListArticles(ctx, includeInactive)
}

func (s *Service) CreateArticle(ctx context.Context, req domain.ArticleCreateRequest) (domain.Article, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Article{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Article{}, ledger.Invalid("name")
	}
	if !validGrams(req.GramsPerPiece) {
		return domain.Article{}, ledger.Invalid("grams_per_piece")
	}

	created, err := s.repo.CreateArticle(ctx, domain.Article{
		ID:            xid.New("art"),
		Name:          name,
		GramsPerPiece: req.GramsPerPiece,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return domain.Article{}, err
	}

	s.logAudit(ctx, "article_create", "article", created.ID, fmt.Sprintf("name=%s,grams=%.3f", created.Name, created.GramsPerPiece))
	return *created, nil
}

// UpdateArticle never touches historical lines; they carry their own
// kg-per-piece snapshot.
func (s *Service) UpdateArticle(ctx context.Context, id string, req domain.ArticleUpdateRequest) (domain.Article, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Article{}, err
	}

	saved, err := s.repo.UpdateArticle(ctx, strings.TrimSpace(id), func(current domain.Article) (domain.Article, error) {
		next := current
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return current, ledger.Invalid("name")
			}
			next.Name = name
		}
		if req.GramsPerPiece != nil {
			if !validGrams(*req.GramsPerPiece) {
				return current, ledger.Invalid("grams_per_piece")
			}
			next.GramsPerPiece = *req.GramsPerPiece
		}
		if req.Active != nil {
			next.Active = *req.Active
		}
		return next, nil
	})
	if err != nil {
		return domain.Article{}, err
	}

	s.invalidateReports(ctx)
	s.logAudit(ctx, "article_update", "article", saved.ID, fmt.Sprintf("name=%s,grams=%.3f,active=%t", saved.Name, saved.GramsPerPiece, saved.Active))
	return *saved, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return nil, ledger.Invalid("range")
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			slog.String("action", action),
			slog.String("entity", entityType+"/"+entityID),
			slog.Any("error", err))
	}
}

func (s *Service) invalidateReports(ctx context.Context) {
	s.generation.Add(1)
	if err := s.reports.Invalidate(ctx); err != nil {
		s.logger.Warn("failed to invalidate report cache", slog.Any("error", err))
	}
}

func cascadeDetail(summary domain.CascadeSummary) string {
	return fmt.Sprintf("qualities=%d,deliveries=%d,sales=%d,lines=%d", summary.Qualities, summary.Deliveries, summary.Sales, summary.Lines)
}

func validGrams(grams float64) bool {
	return grams > 0 && !math.IsInf(grams, 0)
}
