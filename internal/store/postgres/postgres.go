package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"lotledger/backend/internal/domain"
	"lotledger/backend/internal/ledger"
	"lotledger/backend/internal/store"
	"lotledger/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a read-committed transaction. Row locks taken with
// FOR UPDATE give the per-delivery serialization; serialization failures and
// deadlocks surface as store.ErrConcurrentModification.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit())
}

const qualityColumns = `id, name, active, note, created_at`

func (s *Store) CreateQuality(ctx context.Context, quality domain.Quality) (*domain.Quality, error) {
	quality.Name = strings.TrimSpace(quality.Name)
	if quality.Name == "" {
		return nil, ledger.Invalid("name")
	}
	if quality.ID == "" {
		quality.ID = xid.New("qlt")
	}
	if quality.CreatedAt.IsZero() {
		quality.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qualities (id, name, name_key, active, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, quality.ID, quality.Name, store.NameKey(quality.Name), quality.Active, quality.Note, quality.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ledger.DuplicateName(quality.Name)
		}
		return nil, err
	}
	created := quality
	return &created, nil
}

func (s *Store) UpdateQuality(ctx context.Context, id string, mutate store.QualityMutator) (*domain.Quality, error) {
	var updated domain.Quality
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanQuality(tx.QueryRowContext(ctx, `SELECT `+qualityColumns+` FROM qualities WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		_, err = tx.ExecContext(ctx, `
			UPDATE qualities SET name = $2, name_key = $3, active = $4, note = $5
			WHERE id = $1
		`, id, next.Name, store.NameKey(next.Name), next.Active, next.Note)
		if err != nil {
			if isUniqueViolation(err) {
				return ledger.DuplicateName(next.Name)
			}
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) GetQuality(ctx context.Context, id string) (*domain.Quality, error) {
	quality, err := scanQuality(s.db.QueryRowContext(ctx, `SELECT `+qualityColumns+` FROM qualities WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return &quality, nil
}

func (s *Store) ListQualities(ctx context.Context, includeInactive bool) ([]domain.Quality, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+qualityColumns+`
		FROM qualities
		WHERE active OR $1
		ORDER BY name_key
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Quality, 0, 16)
	for rows.Next() {
		q, err := scanQuality(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

const articleColumns = `id, name, grams_per_piece, active, created_at`

func (s *Store) CreateArticle(ctx context.Context, article domain.Article) (*domain.Article, error) {
	article.Name = strings.TrimSpace(article.Name)
	if article.Name == "" {
		return nil, ledger.Invalid("name")
	}
	if !(article.GramsPerPiece > 0) {
		return nil, ledger.Invalid("grams_per_piece")
	}
	if article.ID == "" {
		article.ID = xid.New("art")
	}
	if article.CreatedAt.IsZero() {
		article.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (id, name, name_key, grams_per_piece, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, article.ID, article.Name, store.NameKey(article.Name), article.GramsPerPiece, article.Active, article.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ledger.DuplicateName(article.Name)
		}
		return nil, err
	}
	created := article
	return &created, nil
}

func (s *Store) UpdateArticle(ctx context.Context, id string, mutate store.ArticleMutator) (*domain.Article, error) {
	var updated domain.Article
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanArticle(tx.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		_, err = tx.ExecContext(ctx, `
			UPDATE articles SET name = $2, name_key = $3, grams_per_piece = $4, active = $5
			WHERE id = $1
		`, id, next.Name, store.NameKey(next.Name), next.GramsPerPiece, next.Active)
		if err != nil {
			if isUniqueViolation(err) {
				return ledger.DuplicateName(next.Name)
			}
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) GetArticle(ctx context.Context, id string) (*domain.Article, error) {
	article, err := scanArticle(s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return &article, nil
}

func (s *Store) ListArticles(ctx context.Context, includeInactive bool) ([]domain.Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+articleColumns+`
		FROM articles
		WHERE active OR $1
		ORDER BY name_key
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Article, 0, 16)
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

const deliveryColumns = `id, display_id, date, quality_id, kg_in, unit_cost_per_kg, invoice_number, supplier, note, created_at`

func (s *Store) CreateDelivery(ctx context.Context, delivery domain.Delivery) (*domain.Delivery, error) {
	if err := ledger.ValidateNewDelivery(delivery); err != nil {
		return nil, err
	}
	if delivery.ID == "" {
		delivery.ID = xid.New("dlv")
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireActiveQuality(ctx, tx, delivery.QualityID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deliveries (`+deliveryColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, delivery.ID, delivery.DisplayID, delivery.Date, delivery.QualityID, delivery.KgIn, delivery.UnitCostPerKg,
			delivery.InvoiceNumber, delivery.Supplier, delivery.Note, delivery.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ledger.DuplicateDisplayID(delivery.DisplayID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	created := delivery
	return &created, nil
}

func (s *Store) UpdateDelivery(ctx context.Context, id string, mutate store.DeliveryMutator) (*domain.Delivery, error) {
	var updated domain.Delivery
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanDelivery(tx.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		var referenced int
		if err := tx.QueryRowContext(ctx, `
			SELECT count(*) FROM sale_lines
			WHERE real_delivery_id = $1 OR accounting_delivery_id = $1
		`, id).Scan(&referenced); err != nil {
			return err
		}

		next, err := mutate(current, referenced)
		if err != nil {
			return err
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		if next.QualityID != current.QualityID {
			if err := requireActiveQuality(ctx, tx, next.QualityID); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deliveries
			SET display_id = $2, date = $3, quality_id = $4, kg_in = $5, unit_cost_per_kg = $6,
				invoice_number = $7, supplier = $8, note = $9
			WHERE id = $1
		`, id, next.DisplayID, next.Date, next.QualityID, next.KgIn, next.UnitCostPerKg, next.InvoiceNumber, next.Supplier, next.Note)
		if err != nil {
			if isUniqueViolation(err) {
				return ledger.DuplicateDisplayID(next.DisplayID)
			}
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	delivery, err := scanDelivery(s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

func (s *Store) ListDeliveries(ctx context.Context, qualityID string) ([]domain.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE $1 = '' OR quality_id = $1
		ORDER BY date DESC, display_id ASC
	`, qualityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Delivery, 0, 64)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

const lineColumns = `l.id, l.sale_id, l.position, l.article_id, l.quantity, l.unit_price_eur, l.real_delivery_id,
	l.accounting_delivery_id, l.kg_per_piece_snapshot, l.unit_cost_per_kg_real_snapshot, l.unit_cost_per_kg_acc_snapshot`

func (s *Store) ListFinalizedLines(ctx context.Context) ([]domain.SaleLine, error) {
	return queryLines(ctx, s.db, `
		SELECT `+lineColumns+`
		FROM sale_lines l
		JOIN sales s ON s.id = l.sale_id
		WHERE s.status = 'finalized'
	`)
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, inputs []domain.SaleLineInput) (*domain.SaleWithLines, error) {
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusFinalized
	}

	var created domain.SaleWithLines
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		lockIDs := ledger.LockSet(inputs)
		deliveries, err := lockDeliveries(ctx, tx, lockIDs)
		if err != nil {
			return err
		}
		articles, err := loadArticles(ctx, tx, ledger.ArticleIDs(inputs))
		if err != nil {
			return err
		}
		sold, err := committedSold(ctx, tx, lockIDs)
		if err != nil {
			return err
		}

		lines, err := ledger.Allocate(ledger.Inventory{Articles: articles, Deliveries: deliveries, Sold: sold}, inputs)
		if err != nil {
			return err
		}

		if err := tx.QueryRowContext(ctx, `
			INSERT INTO sales (id, date_time, payment_method, note, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING sale_number
		`, sale.ID, sale.DateTime, sale.PaymentMethod, sale.Note, sale.Status, sale.CreatedAt).Scan(&sale.SaleNumber); err != nil {
			return err
		}

		for i := range lines {
			lines[i].ID = xid.New("line")
			lines[i].SaleID = sale.ID
			line := lines[i]
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sale_lines (
					id, sale_id, position, article_id, quantity, unit_price_eur, real_delivery_id,
					accounting_delivery_id, kg_per_piece_snapshot, unit_cost_per_kg_real_snapshot, unit_cost_per_kg_acc_snapshot
				)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			`, line.ID, line.SaleID, line.Position, line.ArticleID, line.Quantity, line.UnitPriceEur, line.RealDeliveryID,
				nullIfEmpty(line.AccountingDeliveryID), line.KgPerPieceSnapshot, line.UnitCostPerKgRealSnapshot, nullFloat(line.UnitCostPerKgAccSnapshot)); err != nil {
				return err
			}
		}

		created = domain.SaleWithLines{Sale: sale, Lines: lines}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) FinalizeSale(ctx context.Context, id string) (*domain.SaleWithLines, error) {
	var finalized *domain.SaleWithLines
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sale, err := scanSale(tx.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusDraft {
			return store.ErrSaleNotDraft
		}
		lines, err := queryLines(ctx, tx, `SELECT `+lineColumns+` FROM sale_lines l WHERE l.sale_id = $1 ORDER BY l.position`, id)
		if err != nil {
			return err
		}

		lockIDs := make([]string, 0, len(lines)*2)
		for deliveryID := range ledger.ReferencedDeliveries(lines) {
			lockIDs = append(lockIDs, deliveryID)
		}
		deliveries, err := lockDeliveries(ctx, tx, lockIDs)
		if err != nil {
			return err
		}
		sold, err := committedSold(ctx, tx, lockIDs)
		if err != nil {
			return err
		}
		if err := ledger.RevalidateStock(ledger.Inventory{Deliveries: deliveries, Sold: sold}, lines); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE sales SET status = 'finalized' WHERE id = $1`, id); err != nil {
			return err
		}
		sale.Status = domain.SaleStatusFinalized
		finalized = &domain.SaleWithLines{Sale: sale, Lines: lines}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return finalized, nil
}

const saleColumns = `id, sale_number, date_time, payment_method, note, status, created_at`

func (s *Store) GetSale(ctx context.Context, id string) (*domain.SaleWithLines, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	lines, err := queryLines(ctx, s.db, `SELECT `+lineColumns+` FROM sale_lines l WHERE l.sale_id = $1 ORDER BY l.position`, id)
	if err != nil {
		return nil, err
	}
	return &domain.SaleWithLines{Sale: sale, Lines: lines}, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleWithLines, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE ($1 = '' OR status = $1)
			AND ($2::timestamptz IS NULL OR date_time >= $2)
			AND ($3::timestamptz IS NULL OR date_time < $3)
		ORDER BY date_time DESC, sale_number DESC
		LIMIT $4
	`, filter.Status, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.SaleWithLines, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sales = append(sales, domain.SaleWithLines{Sale: sale, Lines: []domain.SaleLine{}})
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := attachLines(ctx, s.db, sales, ids); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) UpdateSaleNote(ctx context.Context, id string, paymentMethod string, note string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		UPDATE sales
		SET payment_method = CASE WHEN $2 = '' THEN payment_method ELSE $2 END, note = $3
		WHERE id = $1
		RETURNING `+saleColumns, id, paymentMethod, note))
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) DeleteSale(ctx context.Context, id string) (domain.CascadeSummary, error) {
	var summary domain.CascadeSummary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var lines int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM sale_lines WHERE sale_id = $1`, id).Scan(&lines); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrNotFound
		}
		summary = domain.CascadeSummary{Sales: 1, Lines: lines}
		return nil
	})
	return summary, err
}

func (s *Store) DeleteDelivery(ctx context.Context, id string, dryRun bool) (domain.CascadeSummary, error) {
	var summary domain.CascadeSummary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		locked, err := lockDeliveries(ctx, tx, []string{id})
		if err != nil {
			return err
		}
		if _, ok := locked[id]; !ok {
			return store.ErrNotFound
		}
		summary, err = cascadeDeliveries(ctx, tx, []string{id}, dryRun)
		return err
	})
	return summary, err
}

func (s *Store) DeleteQuality(ctx context.Context, id string, dryRun bool) (domain.CascadeSummary, error) {
	var summary domain.CascadeSummary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := scanQuality(tx.QueryRowContext(ctx, `SELECT `+qualityColumns+` FROM qualities WHERE id = $1 FOR UPDATE`, id)); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT id FROM deliveries WHERE quality_id = $1 ORDER BY id FOR UPDATE`, id)
		if err != nil {
			return err
		}
		ids := make([]string, 0, 16)
		for rows.Next() {
			var deliveryID string
			if err := rows.Scan(&deliveryID); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, deliveryID)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		summary, err = cascadeDeliveries(ctx, tx, ids, dryRun)
		if err != nil {
			return err
		}
		summary.Qualities = 1
		if dryRun {
			return nil
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM qualities WHERE id = $1`, id)
		return err
	})
	return summary, err
}

// cascadeDeliveries counts, and unless dryRun deletes, every sale touching
// deliveryIDs in either ledger, then the deliveries themselves. Callers hold
// the delivery row locks.
func cascadeDeliveries(ctx context.Context, tx *sql.Tx, deliveryIDs []string, dryRun bool) (domain.CascadeSummary, error) {
	summary := domain.CascadeSummary{Deliveries: len(deliveryIDs)}
	if len(deliveryIDs) == 0 {
		return summary, nil
	}

	err := tx.QueryRowContext(ctx, `
		WITH doomed AS (
			SELECT DISTINCT sale_id FROM sale_lines
			WHERE real_delivery_id = ANY($1) OR accounting_delivery_id = ANY($1)
		)
		SELECT
			(SELECT count(*) FROM doomed),
			(SELECT count(*) FROM sale_lines WHERE sale_id IN (SELECT sale_id FROM doomed))
	`, deliveryIDs).Scan(&summary.Sales, &summary.Lines)
	if err != nil {
		return summary, err
	}
	if dryRun {
		return summary, nil
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sales
		WHERE id IN (
			SELECT sale_id FROM sale_lines
			WHERE real_delivery_id = ANY($1) OR accounting_delivery_id = ANY($1)
		)
	`, deliveryIDs); err != nil {
		return summary, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE id = ANY($1)`, deliveryIDs); err != nil {
		return summary, err
	}
	return summary, nil
}

func (s *Store) ReportDataset(ctx context.Context, from time.Time, to time.Time) (ledger.Dataset, error) {
	ds := ledger.Dataset{
		Deliveries: make(map[string]domain.Delivery),
		Qualities:  make(map[string]domain.Quality),
		Articles:   make(map[string]domain.Article),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE status = 'finalized'
			AND ($1::timestamptz IS NULL OR date_time >= $1)
			AND ($2::timestamptz IS NULL OR date_time < $2)
		ORDER BY date_time, sale_number
	`, nullTime(from), nullTime(to))
	if err != nil {
		return ds, err
	}
	ids := make([]string, 0, 256)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return ds, err
		}
		ds.Sales = append(ds.Sales, domain.SaleWithLines{Sale: sale, Lines: []domain.SaleLine{}})
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return ds, err
	}
	_ = rows.Close()
	if err := attachLines(ctx, s.db, ds.Sales, ids); err != nil {
		return ds, err
	}

	deliveries, err := s.ListDeliveries(ctx, "")
	if err != nil {
		return ds, err
	}
	for _, d := range deliveries {
		ds.Deliveries[d.ID] = d
	}
	qualities, err := s.ListQualities(ctx, true)
	if err != nil {
		return ds, err
	}
	for _, q := range qualities {
		ds.Qualities[q.ID] = q
	}
	articles, err := s.ListArticles(ctx, true)
	if err != nil {
		return ds, err
	}
	for _, a := range articles {
		ds.Articles[a.ID] = a
	}
	return ds, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
			AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, nullTime(from), nullTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// lockDeliveries takes row locks on ids in a fixed order so concurrent sales
// touching overlapping lots cannot deadlock each other.
func lockDeliveries(ctx context.Context, tx *sql.Tx, ids []string) (map[string]domain.Delivery, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	rows, err := tx.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, sorted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.Delivery, len(sorted))
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result[d.ID] = d
	}
	return result, rows.Err()
}

func loadArticles(ctx context.Context, tx *sql.Tx, ids []string) (map[string]domain.Article, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.Article, len(ids))
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		result[a.ID] = a
	}
	return result, rows.Err()
}

// committedSold sums finalized lines drawing on any of deliveryIDs. Run after
// lockDeliveries, it sees every sale committed before the locks were granted.
func committedSold(ctx context.Context, tx *sql.Tx, deliveryIDs []string) (ledger.Sold, error) {
	lines, err := queryLines(ctx, tx, `
		SELECT `+lineColumns+`
		FROM sale_lines l
		JOIN sales s ON s.id = l.sale_id
		WHERE s.status = 'finalized'
			AND (l.real_delivery_id = ANY($1) OR COALESCE(l.accounting_delivery_id, l.real_delivery_id) = ANY($1))
	`, deliveryIDs)
	if err != nil {
		return ledger.Sold{}, err
	}
	return ledger.SumSold(lines), nil
}

func requireActiveQuality(ctx context.Context, tx *sql.Tx, qualityID string) error {
	var active bool
	err := tx.QueryRowContext(ctx, `SELECT active FROM qualities WHERE id = $1 FOR SHARE`, qualityID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
		return ledger.UnknownQuality(qualityID)
	}
	return err
}

func attachLines(ctx context.Context, q queryer, sales []domain.SaleWithLines, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	lines, err := queryLines(ctx, q, `
		SELECT `+lineColumns+`
		FROM sale_lines l
		WHERE l.sale_id = ANY($1)
		ORDER BY l.sale_id, l.position
	`, ids)
	if err != nil {
		return err
	}
	index := make(map[string]int, len(sales))
	for i := range sales {
		index[sales[i].ID] = i
	}
	for _, line := range lines {
		if i, ok := index[line.SaleID]; ok {
			sales[i].Lines = append(sales[i].Lines, line)
		}
	}
	return nil
}

func queryLines(ctx context.Context, q queryer, query string, args ...any) ([]domain.SaleLine, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 32)
	for rows.Next() {
		var line domain.SaleLine
		var accID sql.NullString
		var accCost sql.NullFloat64
		if err := rows.Scan(&line.ID, &line.SaleID, &line.Position, &line.ArticleID, &line.Quantity, &line.UnitPriceEur,
			&line.RealDeliveryID, &accID, &line.KgPerPieceSnapshot, &line.UnitCostPerKgRealSnapshot, &accCost); err != nil {
			return nil, err
		}
		line.AccountingDeliveryID = accID.String
		if accCost.Valid {
			cost := accCost.Float64
			line.UnitCostPerKgAccSnapshot = &cost
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanQuality(row rowScanner) (domain.Quality, error) {
	var q domain.Quality
	if err := row.Scan(&q.ID, &q.Name, &q.Active, &q.Note, &q.CreatedAt); err != nil {
		return q, notFound(err)
	}
	q.CreatedAt = q.CreatedAt.UTC()
	return q, nil
}

func scanArticle(row rowScanner) (domain.Article, error) {
	var a domain.Article
	if err := row.Scan(&a.ID, &a.Name, &a.GramsPerPiece, &a.Active, &a.CreatedAt); err != nil {
		return a, notFound(err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func scanDelivery(row rowScanner) (domain.Delivery, error) {
	var d domain.Delivery
	if err := row.Scan(&d.ID, &d.DisplayID, &d.Date, &d.QualityID, &d.KgIn, &d.UnitCostPerKg,
		&d.InvoiceNumber, &d.Supplier, &d.Note, &d.CreatedAt); err != nil {
		return d, notFound(err)
	}
	d.Date = d.Date.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	if err := row.Scan(&sale.ID, &sale.SaleNumber, &sale.DateTime, &sale.PaymentMethod, &sale.Note, &sale.Status, &sale.CreatedAt); err != nil {
		return sale, notFound(err)
	}
	sale.DateTime = sale.DateTime.UTC()
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapError turns serialization failures and deadlocks into
// store.ErrConcurrentModification so the service can retry from fresh data.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullFloat(val *float64) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}
