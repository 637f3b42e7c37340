package memory

import (
	"cmp"
	"context"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lotledger/backend/internal/domain"
	"lotledger/backend/internal/ledger"
	"lotledger/backend/internal/store"
	"lotledger/backend/internal/xid"
)

// Store keeps every table in process memory behind one RWMutex. Sale
// creation and finalization take the write lock, which serializes them
// across all deliveries.
type Store struct {
	mu              sync.RWMutex
	qualities       map[string]domain.Quality
	articles        map[string]domain.Article
	deliveries      map[string]domain.Delivery
	sales           map[string]*domain.SaleWithLines
	lastSaleNumber  int64
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev mode. Passwords
// come from SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD, falling back to
// dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		slog.Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"operator", operatorPwd, domain.RoleOperator},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic("memory store: hash seed password: " + err.Error())
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store with the seed accounts.
func New() *Store {
	return &Store{
		qualities:       make(map[string]domain.Quality),
		articles:        make(map[string]domain.Article),
		deliveries:      make(map[string]domain.Delivery),
		sales:           make(map[string]*domain.SaleWithLines),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

// NewSeeded returns a store with a small demo catalog: two qualities, two
// articles, an invoiced lot and a non-invoiced lot.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	for _, q := range []domain.Quality{
		{ID: "qlt-basmati", Name: "Basmati", Active: true, CreatedAt: now},
		{ID: "qlt-arborio", Name: "Arborio", Active: true, CreatedAt: now},
	} {
		s.qualities[q.ID] = q
	}
	for _, a := range []domain.Article{
		{ID: "art-500g", Name: "Bag 500 g", GramsPerPiece: 500, Active: true, CreatedAt: now},
		{ID: "art-1kg", Name: "Bag 1 kg", GramsPerPiece: 1000, Active: true, CreatedAt: now},
	} {
		s.articles[a.ID] = a
	}
	for _, d := range []domain.Delivery{
		{ID: "dlv-l001", DisplayID: "L-001", Date: day, QualityID: "qlt-basmati", KgIn: 250, UnitCostPerKg: 1.8, InvoiceNumber: "INV-2026-001", Supplier: "Mill North", CreatedAt: now},
		{ID: "dlv-a001", DisplayID: "A-001", Date: day, QualityID: "qlt-basmati", KgIn: 80, UnitCostPerKg: 1.2, Supplier: "Farm Gate", CreatedAt: now},
	} {
		s.deliveries[d.ID] = d
	}
	return s
}

func (s *Store) CreateQuality(_ context.Context, quality domain.Quality) (*domain.Quality, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quality.Name = strings.TrimSpace(quality.Name)
	if quality.Name == "" {
		return nil, ledger.Invalid("name")
	}
	if s.qualityNameTaken(quality.Name, "") {
		return nil, ledger.DuplicateName(quality.Name)
	}
	if quality.ID == "" {
		quality.ID = xid.New("qlt")
	}
	if quality.CreatedAt.IsZero() {
		quality.CreatedAt = time.Now().UTC()
	}
	s.qualities[quality.ID] = quality
	created := quality
	return &created, nil
}

func (s *Store) UpdateQuality(_ context.Context, id string, mutate store.QualityMutator) (*domain.Quality, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.qualities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next, err := mutate(current)
	if err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if s.qualityNameTaken(next.Name, id) {
		return nil, ledger.DuplicateName(next.Name)
	}
	s.qualities[id] = next
	return &next, nil
}

func (s *Store) GetQuality(_ context.Context, id string) (*domain.Quality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quality, ok := s.qualities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &quality, nil
}

func (s *Store) ListQualities(_ context.Context, includeInactive bool) ([]domain.Quality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Quality, 0, len(s.qualities))
	for _, q := range s.qualities {
		if !includeInactive && !q.Active {
			continue
		}
		result = append(result, q)
	}
	slices.SortFunc(result, func(a, b domain.Quality) int {
		return cmp.Compare(store.NameKey(a.Name), store.NameKey(b.Name))
	})
	return result, nil
}

func (s *Store) qualityNameTaken(name string, exceptID string) bool {
	key := store.NameKey(name)
	for id, q := range s.qualities {
		if id != exceptID && store.NameKey(q.Name) == key {
			return true
		}
	}
	return false
}

func (s *Store) CreateArticle(_ context.Context, article domain.Article) (*domain.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	article.Name = strings.TrimSpace(article.Name)
	if article.Name == "" {
		return nil, ledger.Invalid("name")
	}
	if !(article.GramsPerPiece > 0) {
		return nil, ledger.Invalid("grams_per_piece")
	}
	if s.articleNameTaken(article.Name, "") {
		return nil, ledger.DuplicateName(article.Name)
	}
	if article.ID == "" {
		article.ID = xid.New("art")
	}
	if article.CreatedAt.IsZero() {
		article.CreatedAt = time.Now().UTC()
	}
	s.articles[article.ID] = article
	created := article
	return &created, nil
}

func (s *Store) UpdateArticle(_ context.Context, id string, mutate store.ArticleMutator) (*domain.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.articles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next, err := mutate(current)
	if err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if s.articleNameTaken(next.Name, id) {
		return nil, ledger.DuplicateName(next.Name)
	}
	s.articles[id] = next
	return &next, nil
}

func (s *Store) GetArticle(_ context.Context, id string) (*domain.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	article, ok := s.articles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &article, nil
}

func (s *Store) ListArticles(_ context.Context, includeInactive bool) ([]domain.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Article, 0, len(s.articles))
	for _, a := range s.articles {
		if !includeInactive && !a.Active {
			continue
		}
		result = append(result, a)
	}
	slices.SortFunc(result, func(a, b domain.Article) int {
		return cmp.Compare(store.NameKey(a.Name), store.NameKey(b.Name))
	})
	return result, nil
}

func (s *Store) articleNameTaken(name string, exceptID string) bool {
	key := store.NameKey(name)
	for id, a := range s.articles {
		if id != exceptID && store.NameKey(a.Name) == key {
			return true
		}
	}
	return false
}

func (s *Store) CreateDelivery(_ context.Context, delivery domain.Delivery) (*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ledger.ValidateNewDelivery(delivery); err != nil {
		return nil, err
	}
	if q, ok := s.qualities[delivery.QualityID]; !ok || !q.Active {
		return nil, ledger.UnknownQuality(delivery.QualityID)
	}
	if s.displayIDTaken(delivery.DisplayID, "") {
		return nil, ledger.DuplicateDisplayID(delivery.DisplayID)
	}
	if delivery.ID == "" {
		delivery.ID = xid.New("dlv")
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}
	s.deliveries[delivery.ID] = delivery
	created := delivery
	return &created, nil
}

func (s *Store) UpdateDelivery(_ context.Context, id string, mutate store.DeliveryMutator) (*domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next, err := mutate(current, s.referencingLines(id))
	if err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if next.QualityID != current.QualityID {
		if q, ok := s.qualities[next.QualityID]; !ok || !q.Active {
			return nil, ledger.UnknownQuality(next.QualityID)
		}
	}
	if s.displayIDTaken(next.DisplayID, id) {
		return nil, ledger.DuplicateDisplayID(next.DisplayID)
	}
	s.deliveries[id] = next
	return &next, nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (*domain.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	delivery, ok := s.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &delivery, nil
}

func (s *Store) ListDeliveries(_ context.Context, qualityID string) ([]domain.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		if qualityID != "" && d.QualityID != qualityID {
			continue
		}
		result = append(result, d)
	}
	slices.SortFunc(result, compareDeliveries)
	return result, nil
}

func (s *Store) ListFinalizedLines(_ context.Context) ([]domain.SaleLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.finalizedLines(), nil
}

func (s *Store) displayIDTaken(displayID string, exceptID string) bool {
	for id, d := range s.deliveries {
		if id != exceptID && d.DisplayID == displayID {
			return true
		}
	}
	return false
}

func (s *Store) referencingLines(deliveryID string) int {
	count := 0
	for _, sale := range s.sales {
		for _, line := range sale.Lines {
			if line.RealDeliveryID == deliveryID || line.AccountingDeliveryID == deliveryID {
				count++
			}
		}
	}
	return count
}

func (s *Store) finalizedLines() []domain.SaleLine {
	lines := make([]domain.SaleLine, 0, 64)
	for _, sale := range s.sales {
		if !sale.IsFinalized() {
			continue
		}
		lines = append(lines, sale.Lines...)
	}
	return lines
}

func (s *Store) inventory() ledger.Inventory {
	return ledger.Inventory{
		Articles:   s.articles,
		Deliveries: s.deliveries,
		Sold:       ledger.SumSold(s.finalizedLines()),
	}
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, inputs []domain.SaleLineInput) (*domain.SaleWithLines, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := ledger.Allocate(s.inventory(), inputs)
	if err != nil {
		return nil, err
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusFinalized
	}
	s.lastSaleNumber++
	sale.SaleNumber = s.lastSaleNumber
	for i := range lines {
		lines[i].ID = xid.New("line")
		lines[i].SaleID = sale.ID
	}

	stored := &domain.SaleWithLines{Sale: sale, Lines: lines}
	s.sales[sale.ID] = stored
	return cloneSale(stored), nil
}

func (s *Store) FinalizeSale(_ context.Context, id string) (*domain.SaleWithLines, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusDraft {
		return nil, store.ErrSaleNotDraft
	}
	if err := ledger.RevalidateStock(s.inventory(), sale.Lines); err != nil {
		return nil, err
	}
	sale.Status = domain.SaleStatusFinalized
	return cloneSale(sale), nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.SaleWithLines, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.SaleWithLines, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SaleWithLines, 0, len(s.sales))
	for _, sale := range s.sales {
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if !inRange(sale.DateTime, filter.From, filter.To) {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.SaleWithLines) int {
		if !a.DateTime.Equal(b.DateTime) {
			return b.DateTime.Compare(a.DateTime)
		}
		return cmp.Compare(b.SaleNumber, a.SaleNumber)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) UpdateSaleNote(_ context.Context, id string, paymentMethod string, note string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if paymentMethod != "" {
		sale.PaymentMethod = paymentMethod
	}
	sale.Note = note
	updated := sale.Sale
	return &updated, nil
}

func (s *Store) DeleteSale(_ context.Context, id string) (domain.CascadeSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return domain.CascadeSummary{}, store.ErrNotFound
	}
	delete(s.sales, id)
	return domain.CascadeSummary{Sales: 1, Lines: len(sale.Lines)}, nil
}

func (s *Store) DeleteDelivery(_ context.Context, id string, dryRun bool) (domain.CascadeSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deliveries[id]; !ok {
		return domain.CascadeSummary{}, store.ErrNotFound
	}
	return s.cascade(map[string]struct{}{id: {}}, dryRun), nil
}

func (s *Store) DeleteQuality(_ context.Context, id string, dryRun bool) (domain.CascadeSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.qualities[id]; !ok {
		return domain.CascadeSummary{}, store.ErrNotFound
	}
	ids := make(map[string]struct{})
	for _, d := range s.deliveries {
		if d.QualityID == id {
			ids[d.ID] = struct{}{}
		}
	}
	summary := s.cascade(ids, dryRun)
	summary.Qualities = 1
	if !dryRun {
		delete(s.qualities, id)
	}
	return summary, nil
}

// cascade removes the sales touching any of deliveryIDs, then the deliveries.
func (s *Store) cascade(deliveryIDs map[string]struct{}, dryRun bool) domain.CascadeSummary {
	summary := domain.CascadeSummary{Deliveries: len(deliveryIDs)}
	for saleID, sale := range s.sales {
		touched := false
		for id := range ledger.ReferencedDeliveries(sale.Lines) {
			if _, ok := deliveryIDs[id]; ok {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		summary.Sales++
		summary.Lines += len(sale.Lines)
		if !dryRun {
			delete(s.sales, saleID)
		}
	}
	if !dryRun {
		for id := range deliveryIDs {
			delete(s.deliveries, id)
		}
	}
	return summary
}

func (s *Store) ReportDataset(_ context.Context, from time.Time, to time.Time) (ledger.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds := ledger.Dataset{
		Sales:      make([]domain.SaleWithLines, 0, len(s.sales)),
		Deliveries: make(map[string]domain.Delivery, len(s.deliveries)),
		Qualities:  make(map[string]domain.Quality, len(s.qualities)),
		Articles:   make(map[string]domain.Article, len(s.articles)),
	}
	for _, sale := range s.sales {
		if !sale.IsFinalized() || !inRange(sale.DateTime, from, to) {
			continue
		}
		ds.Sales = append(ds.Sales, *cloneSale(sale))
	}
	for id, d := range s.deliveries {
		ds.Deliveries[id] = d
	}
	for id, q := range s.qualities {
		ds.Qualities[id] = q
	}
	for id, a := range s.articles {
		ds.Articles[id] = a
	}
	return ds, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if !inRange(entry.CreatedAt, from, to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmp.Compare(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func inRange(at time.Time, from time.Time, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && !at.Before(to) {
		return false
	}
	return true
}

func compareDeliveries(a, b domain.Delivery) int {
	if !a.Date.Equal(b.Date) {
		return b.Date.Compare(a.Date)
	}
	return cmp.Compare(a.DisplayID, b.DisplayID)
}

func cloneSale(src *domain.SaleWithLines) *domain.SaleWithLines {
	dst := *src
	dst.Lines = make([]domain.SaleLine, len(src.Lines))
	for i, line := range src.Lines {
		if line.UnitCostPerKgAccSnapshot != nil {
			cost := *line.UnitCostPerKgAccSnapshot
			line.UnitCostPerKgAccSnapshot = &cost
		}
		dst.Lines[i] = line
	}
	return &dst
}
