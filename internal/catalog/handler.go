package catalog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lotledger/lotledger/internal/shared"
)

// Handler exposes catalog endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs catalog handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/products", h.handleListProducts)
	r.Post("/products", h.handleCreateProduct)
	r.Get("/products/{productID}", h.handleGetProduct)
	r.Put("/products/{productID}", h.handleUpdateProduct)
	r.Get("/warehouses", h.handleListWarehouses)
	r.Post("/warehouses", h.handleCreateWarehouse)
	r.Get("/warehouses/{warehouseID}", h.handleGetWarehouse)
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context(), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (h *Handler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var product Product
	if err := json.NewDecoder(r.Body).Decode(&product); err != nil {
		h.writeError(w, shared.NewValidationError("body", "invalid json"))
		return
	}
	created, err := h.service.CreateProduct(r.Context(), product)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "productID"))
	if err != nil {
		h.writeError(w, shared.NewValidationError("product_id", "invalid uuid"))
		return
	}
	product, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, product)
}

func (h *Handler) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "productID"))
	if err != nil {
		h.writeError(w, shared.NewValidationError("product_id", "invalid uuid"))
		return
	}
	var product Product
	if err := json.NewDecoder(r.Body).Decode(&product); err != nil {
		h.writeError(w, shared.NewValidationError("body", "invalid json"))
		return
	}
	product.ID = id
	if err := h.service.UpdateProduct(r.Context(), product); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, product)
}

func (h *Handler) handleListWarehouses(w http.ResponseWriter, r *http.Request) {
	warehouses, err := h.service.ListWarehouses(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"warehouses": warehouses})
}

func (h *Handler) handleCreateWarehouse(w http.ResponseWriter, r *http.Request) {
	var warehouse Warehouse
	if err := json.NewDecoder(r.Body).Decode(&warehouse); err != nil {
		h.writeError(w, shared.NewValidationError("body", "invalid json"))
		return
	}
	created, err := h.service.CreateWarehouse(r.Context(), warehouse)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGetWarehouse(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "warehouseID"))
	if err != nil {
		h.writeError(w, shared.NewValidationError("warehouse_id", "invalid uuid"))
		return
	}
	warehouse, err := h.service.GetWarehouse(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, warehouse)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case shared.IsValidation(err):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, shared.ErrNotFound):
		status = http.StatusNotFound
	default:
		h.logger.Error("catalog request failed", slog.Any("error", err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": shared.UserSafeMessage(err)})
}
