package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"lotledger/backend/internal/domain"
	"lotledger/backend/internal/ledger"
)

func (a *API) handleListQualities(w http.ResponseWriter, r *http.Request) {
	qualities, err := a.service.ListQualities(r.Context(), parseBool(r.URL.Query().Get("include_inactive")))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"qualities": qualities})
}

func (a *API) handleCreateQuality(w http.ResponseWriter, r *http.Request) {
	var form qualityForm
	if err := a.decodeBody(r, &form); err != nil {
		a.writeDecodeError(w, err)
		return
	}

	quality, err := a.service.CreateQuality(r.Context(), domain.QualityCreateRequest{Name: form.Name, Note: form.Note})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"quality": quality})
}

func (a *API) handleUpdateQuality(w http.ResponseWriter, r *http.Request) {
	var form qualityPatchForm
	if err := a.decodeBody(r, &form); err != nil {
		a.writeDecodeError(w, err)
		return
	}

	quality, err := a.service.UpdateQuality(r.Context(), chi.URLParam(r, "id"), form.toRequest())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quality": quality})
}

func (a *API) handlePreviewDeleteQuality(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.PreviewDeleteQuality(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cascade": summary})
}

func (a *API) handleDeleteQuality(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.DeleteQuality(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": summary})
}

func (a *API) handleListArticles(w http.ResponseWriter, r *http.Request) {
	articles, err := a.service.ListArticles(r.Context(), parseBool(r.URL.Query().Get("include_inactive")))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"articles": articles})
}

func (a *API) handleCreateArticle(w http.ResponseWriter, r *http.Request) {
	var form articleForm
	if err := a.decodeBody(r, &form); err != nil {
		a.writeDecodeError(w, err)
		return
	}
	req, err := form.toRequest()
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	article, err := a.service.CreateArticle(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"article": article})
}

func (a *API) handleUpdateArticle(w http.ResponseWriter, r *http.Request) {
	var form articlePatchForm
	if err := a.decodeBody(r, &form); err != nil {
		a.writeDecodeError(w, err)
		return
	}
	req, err := form.toRequest()
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	article, err := a.service.UpdateArticle(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"article": article})
}

func (a *API) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	deliveries, err := a.service.ListDeliveries(r.Context(), domain.DeliveryFilter{
		QualityID:    query.Get("quality_id"),
		InvoicedOnly: parseBool(query.Get("invoiced_only")),
		InStockOnly:  parseBool(query.Get("in_stock_only")),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (a *API) handleDeliveryOptions(w http.ResponseWriter, r *http.Request) {
	mode, err := ledger.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	options, err := a.service.DeliveryOptions(r.Context(), mode)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode, "deliveries": options})
}

func (a *API) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	delivery, err := a.service.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivery": delivery})
}

func (a *API) handleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	var form deliveryForm
	if err := a.decodeBody(r, &form); err != nil {
		a.writeDecodeError(w, err)
		return
	}
	req, err := form.toRequest()
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	delivery, err := a.service.CreateDelivery(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"delivery": delivery})
}

func (a *API) handleUpdateDelivery(w http.ResponseWriter, r *http.Request) {
	var form deliveryPatchForm
	if err := a.decodeBody(r, &form); err != nil {
		a.writeDecodeError(w, err)
		return
	}
	patch, err := form.toRequest()
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	delivery, err := a.service.UpdateDelivery(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivery": delivery})
}

func (a *API) handlePreviewDeleteDelivery(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.PreviewDeleteDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cascade": summary})
}

func (a *API) handleDeleteDelivery(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.DeleteDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": summary})
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, to, err := parseDayRange(query.Get("from"), query.Get("to"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	sales, err := a.service.ListSales(r.Context(), domain.SaleFilter{
		From:   from,
		To:     to,
		Status: query.Get("status"),
		Limit:  parsePositiveLimit(query.Get("limit"), 200, 500),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var form saleForm
	if err := a.decodeBody(r, &form); err != nil {
		a.writeDecodeError(w, err)
		return
	}
	req, err := form.toRequest()
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	sale, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleUpdateSaleNote(w http.ResponseWriter, r *http.Request) {
	var form saleNoteForm
	if err := a.decodeBody(r, &form); err != nil {
		a.writeDecodeError(w, err)
		return
	}

	sale, err := a.service.UpdateSaleNote(r.Context(), chi.URLParam(r, "id"), form.PaymentMethod, form.Note)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleFinalizeSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.FinalizeSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleDeleteSale(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.DeleteSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": summary})
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode, err := ledger.ParseMode(query.Get("mode"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	from, to, err := parseDayRange(query.Get("from"), query.Get("to"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	report, err := a.service.Report(r.Context(), ledger.ReportQuery{
		From:          from,
		To:            to,
		Mode:          mode,
		QualityID:     query.Get("quality_id"),
		DeliveryID:    query.Get("delivery_id"),
		PaymentMethod: strings.ToLower(query.Get("payment_method")),
		Supplier:      query.Get("supplier"),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, to, err := parseDayRange(query.Get("from"), query.Get("to"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	logs, err := a.service.ListAuditLogs(r.Context(), from, to, parsePositiveLimit(query.Get("limit"), 100, 500))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleListOperators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operators": a.auth.ListOperators(r.Context())})
}

func (a *API) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req domain.OperatorCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	operator, err := a.auth.CreateOperator(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"operator": operator})
}
