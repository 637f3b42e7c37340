package httpapi

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lotledger/backend/internal/domain"
	"lotledger/backend/internal/ledger"
	"lotledger/backend/internal/service"
	"lotledger/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, service.Options{})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, Options{AllowedOrigin: "*"})
}

func doJSON(t *testing.T, api *API, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func saleLine(articleID string, quantity string, price string, realID string, accID string) map[string]string {
	return map[string]string{
		"article_id":             articleID,
		"quantity":               quantity,
		"unit_price_eur":         price,
		"real_delivery_id":       realID,
		"accounting_delivery_id": accID,
	}
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := doJSON(t, api, http.MethodGet, "/healthz", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestDeliveriesRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	rec := doJSON(t, api, http.MethodGet, "/api/v1/deliveries", "", nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListDeliveriesReturnsBalances(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/deliveries?invoiced_only=true", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Deliveries []domain.DeliveryBalance `json:"deliveries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Deliveries) != 1 || body.Deliveries[0].ID != "dlv-l001" {
		t.Fatalf("expected only the invoiced lot, got %+v", body.Deliveries)
	}
	if !near(body.Deliveries[0].KgRemainingReal, 250) {
		t.Fatalf("expected 250 kg remaining, got %v", body.Deliveries[0].KgRemainingReal)
	}
}

func TestDeliveryOptionsRejectsUnknownMode(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/deliveries/options?mode=cash", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCreateSaleReturnsComputedFigures(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"payment_method": "card",
		"lines":          []map[string]string{saleLine("art-1kg", "3", "5,00", "dlv-l001", "")},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Sale domain.ComputedSale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Sale.Status != domain.SaleStatusFinalized || body.Sale.PaymentMethod != "card" {
		t.Fatalf("unexpected sale header %+v", body.Sale.Sale)
	}
	if !near(body.Sale.RevenueEur, 15) || !near(body.Sale.KgLine, 3) {
		t.Fatalf("expected 15 EUR for 3 kg, got %v EUR for %v kg", body.Sale.RevenueEur, body.Sale.KgLine)
	}
	if !near(body.Sale.CogsRealEur, 5.4) || !near(body.Sale.CogsAccEur, 5.4) {
		t.Fatalf("expected mirrored cogs of 5.4, got real %v acc %v", body.Sale.CogsRealEur, body.Sale.CogsAccEur)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/deliveries/dlv-l001", token, nil)
	var delivery struct {
		Delivery domain.DeliveryBalance `json:"delivery"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&delivery); err != nil {
		t.Fatalf("decode delivery: %v", err)
	}
	if !near(delivery.Delivery.KgRemainingReal, 247) || !near(delivery.Delivery.KgRemainingAcc, 247) {
		t.Fatalf("expected 247 kg left in both ledgers, got %+v", delivery.Delivery)
	}
}

func TestCreateSaleInsufficientStockReportsLine(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"lines": []map[string]string{saleLine("art-1kg", "100", "4", "dlv-a001", "dlv-l001")},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != string(ledger.CodeInsufficientRealStock) {
		t.Fatalf("expected insufficient_real_stock, got %q", body.Code)
	}
	if body.Line == nil || *body.Line != 0 {
		t.Fatalf("expected line 0, got %v", body.Line)
	}
	if body.Required == nil || body.Available == nil || !near(*body.Required, 100) || !near(*body.Available, 80) {
		t.Fatalf("expected required 100 and available 80, got %v / %v", body.Required, body.Available)
	}
}

func TestCreateSaleNonInvoicedWithoutAccountingDelivery(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"lines": []map[string]string{saleLine("art-500g", "2", "3", "dlv-a001", "")},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != string(ledger.CodeMissingAccountingDelivery) {
		t.Fatalf("expected missing_accounting_delivery, got %q", body.Code)
	}
}

func TestCreateSaleRejectsMalformedQuantity(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"lines": []map[string]string{
			saleLine("art-1kg", "1", "4", "dlv-l001", ""),
			saleLine("art-1kg", "two", "4", "dlv-l001", ""),
		},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != string(ledger.CodeInvalidQuantity) || body.Line == nil || *body.Line != 1 {
		t.Fatalf("expected invalid_quantity on line 1, got %+v", body)
	}
}

func TestCreateSaleRejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"discount": "10",
		"lines":    []map[string]string{saleLine("art-1kg", "1", "4", "dlv-l001", "")},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestDraftSaleFinalizes(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"draft": true,
		"lines": []map[string]string{saleLine("art-1kg", "2", "4", "dlv-l001", "")},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Sale domain.ComputedSale `json:"sale"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if created.Sale.Status != domain.SaleStatusDraft {
		t.Fatalf("expected draft, got %s", created.Sale.Status)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+created.Sale.ID+"/finalize", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+created.Sale.ID+"/finalize", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second finalize, got %d", rec.Code)
	}
}

func TestReferencedDeliveryIsLocked(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"lines": []map[string]string{saleLine("art-1kg", "1", "4", "dlv-l001", "")},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPatch, "/api/v1/deliveries/dlv-l001", token, map[string]string{"kg_in": "300"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != string(ledger.CodeDeliveryLocked) {
		t.Fatalf("expected delivery_locked, got %q", body.Code)
	}

	rec = doJSON(t, api, http.MethodPatch, "/api/v1/deliveries/dlv-l001", token, map[string]string{"note": "recounted"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected note edit to pass, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestDeleteDeliveryRequiresManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/deliveries/dlv-a001/cascade-preview", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodDelete, "/api/v1/deliveries/dlv-a001", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without pin, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/deliveries/dlv-a001", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Manager-PIN", "123456")
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with pin, got %d (body: %s)", res.Code, res.Body.String())
	}
	var body struct {
		Deleted domain.CascadeSummary `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Deleted.Deliveries != 1 {
		t.Fatalf("expected one delivery deleted, got %+v", body.Deleted)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/deliveries/dlv-a001", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestReportSummarisesFinalizedSales(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	for _, qty := range []string{"2", "3"} {
		rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
			"lines": []map[string]string{saleLine("art-1kg", qty, "4", "dlv-l001", "")},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, api, http.MethodGet, "/api/v1/reports/transactions?mode=accounting", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var report ledger.Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Mode != ledger.ModeAccounting {
		t.Fatalf("expected accounting mode, got %s", report.Mode)
	}
	if report.Summary.SaleCount != 2 || !near(report.Summary.RevenueEur, 20) || !near(report.Summary.TotalKg, 5) {
		t.Fatalf("unexpected summary %+v", report.Summary)
	}
	if len(report.Transactions) != 2 {
		t.Fatalf("expected 2 transaction rows, got %d", len(report.Transactions))
	}
}

func TestReportRejectsMalformedDates(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/reports/transactions?from=03/01/2026", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestOperatorCannotManageCatalog(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/qualities", token, map[string]string{"name": "Jasmine"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAdminCreatesQualityAndSeesAudit(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/qualities", token, map[string]string{"name": "Jasmine"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/qualities", token, map[string]string{"name": "jasmine"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for case-folded duplicate, got %d", rec.Code)
	}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/qualities", token, map[string]string{"name": ""})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty name, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Logs []domain.AuditLog `json:"logs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Logs) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(body.Logs))
	}
}

func TestAdminCreatesOperator(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/users/operators", token, map[string]string{
		"username": "weigher",
		"password": "pass1234",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/users/operators", token, nil)
	var body struct {
		Operators []domain.OperatorUser `json:"operators"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Operators) != 2 {
		t.Fatalf("expected seeded and new operator, got %+v", body.Operators)
	}

	_ = loginAs(t, api, "weigher", "pass1234")
}
