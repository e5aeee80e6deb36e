package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/shared"
)

// Handler wires the thin JSON endpoints for the ledger engines. Transport
// concerns stay here; all business rules live in the service.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleRegisterReceipt)
	r.Post("/consumptions", h.handleConsume)
	r.Post("/transfers", h.handleTransfer)
	r.Post("/fractionations", h.handleFractionate)
	r.Get("/stock/{productID}", h.handleGetStock)
	r.Get("/stock-snapshot", h.handleSnapshot)
	r.Get("/pending-consumptions", h.handleListPending)
	r.Post("/lots/{lotID}/block", h.handleBlockLot)
}

type receiptLineDTO struct {
	ProductID      string          `json:"product_id" validate:"required,uuid4"`
	UnitLabel      string          `json:"unit_label"`
	TotalQty       decimal.Decimal `json:"total_qty"`
	FirstGradeQty  decimal.Decimal `json:"first_grade_qty"`
	SecondGradeQty decimal.Decimal `json:"second_grade_qty"`
	BillingEntity  string          `json:"billing_entity"`
}

type receiptDTO struct {
	ReceivedAt  string           `json:"received_at"`
	SupplierRef string           `json:"supplier_ref"`
	Note        string           `json:"note"`
	WarehouseID string           `json:"warehouse_id" validate:"required,uuid4"`
	Lines       []receiptLineDTO `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) handleRegisterReceipt(w http.ResponseWriter, r *http.Request) {
	var dto receiptDTO
	if !h.decode(w, r, &dto) {
		return
	}
	input := ReceiptInput{
		SupplierRef: dto.SupplierRef,
		Note:        dto.Note,
		WarehouseID: mustUUID(dto.WarehouseID),
	}
	if dto.ReceivedAt != "" {
		t, err := time.Parse("2006-01-02", dto.ReceivedAt)
		if err != nil {
			h.writeError(w, shared.NewValidationError("received_at", "expected YYYY-MM-DD"))
			return
		}
		input.ReceivedAt = t
	}
	for _, line := range dto.Lines {
		input.Lines = append(input.Lines, ReceiptLineInput{
			ProductID:      mustUUID(line.ProductID),
			UnitLabel:      line.UnitLabel,
			TotalQty:       line.TotalQty,
			FirstGradeQty:  line.FirstGradeQty,
			SecondGradeQty: line.SecondGradeQty,
			BillingEntity:  line.BillingEntity,
		})
	}
	result, err := h.service.RegisterReceipt(r.Context(), input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

type consumeDTO struct {
	ProductID   string          `json:"product_id" validate:"required,uuid4"`
	Quantity    decimal.Decimal `json:"quantity"`
	WarehouseID string          `json:"warehouse_id" validate:"omitempty,uuid4"`
	SaleRef     string          `json:"sale_ref"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var dto consumeDTO
	if !h.decode(w, r, &dto) {
		return
	}
	result, err := h.service.ConsumeForSale(r.Context(), ConsumeInput{
		ProductID:   mustUUID(dto.ProductID),
		Quantity:    dto.Quantity,
		WarehouseID: mustUUID(dto.WarehouseID),
		SaleRef:     dto.SaleRef,
		UnitPrice:   dto.UnitPrice,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type transferLineDTO struct {
	ProductID      string          `json:"product_id" validate:"required,uuid4"`
	Quantity       decimal.Decimal `json:"quantity"`
	SrcWarehouseID string          `json:"src_warehouse_id" validate:"required,uuid4"`
	DstWarehouseID string          `json:"dst_warehouse_id" validate:"required,uuid4"`
}

type transferDTO struct {
	Lines []transferLineDTO `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var dto transferDTO
	if !h.decode(w, r, &dto) {
		return
	}
	lines := make([]TransferLineInput, 0, len(dto.Lines))
	for _, line := range dto.Lines {
		lines = append(lines, TransferLineInput{
			ProductID:      mustUUID(line.ProductID),
			Quantity:       line.Quantity,
			SrcWarehouseID: mustUUID(line.SrcWarehouseID),
			DstWarehouseID: mustUUID(line.DstWarehouseID),
		})
	}
	result, err := h.service.Transfer(r.Context(), lines)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type fractionateDestDTO struct {
	ProductID string          `json:"product_id" validate:"required,uuid4"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type fractionateLineDTO struct {
	SourceLotID     string               `json:"source_lot_id" validate:"required,uuid4"`
	SourceProductID string               `json:"source_product_id" validate:"required,uuid4"`
	WarehouseID     string               `json:"warehouse_id" validate:"required,uuid4"`
	ConsumeQty      decimal.Decimal      `json:"consume_qty"`
	Destinations    []fractionateDestDTO `json:"destinations" validate:"omitempty,dive"`
	FactorProductID string               `json:"factor_product_id" validate:"omitempty,uuid4"`
	Factor          decimal.Decimal      `json:"factor"`
}

type fractionateDTO struct {
	Lines []fractionateLineDTO `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) handleFractionate(w http.ResponseWriter, r *http.Request) {
	var dto fractionateDTO
	if !h.decode(w, r, &dto) {
		return
	}
	lines := make([]FractionateLineInput, 0, len(dto.Lines))
	for _, line := range dto.Lines {
		input := FractionateLineInput{
			SourceLotID:     mustUUID(line.SourceLotID),
			SourceProductID: mustUUID(line.SourceProductID),
			WarehouseID:     mustUUID(line.WarehouseID),
			ConsumeQty:      line.ConsumeQty,
			FactorProductID: mustUUID(line.FactorProductID),
			Factor:          line.Factor,
		}
		for _, dest := range line.Destinations {
			input.Destinations = append(input.Destinations, FractionateDestination{
				ProductID: mustUUID(dest.ProductID),
				Quantity:  dest.Quantity,
			})
		}
		lines = append(lines, input)
	}
	result, err := h.service.Fractionate(r.Context(), lines)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	productID, err := uuid.Parse(chi.URLParam(r, "productID"))
	if err != nil {
		h.writeError(w, shared.NewValidationError("product_id", "invalid uuid"))
		return
	}
	warehouseID := uuid.Nil
	if raw := r.URL.Query().Get("warehouse_id"); raw != "" {
		warehouseID, err = uuid.Parse(raw)
		if err != nil {
			h.writeError(w, shared.NewValidationError("warehouse_id", "invalid uuid"))
			return
		}
	}
	qty, err := h.service.GetStock(r.Context(), productID, warehouseID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"product_id": productID,
		"quantity":   qty,
	})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.writeError(w, shared.NewValidationError("day", "expected YYYY-MM-DD"))
			return
		}
		day = parsed
	}
	rows, err := h.service.GetInitialStockSnapshot(r.Context(), day)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"day": day.Format("2006-01-02"), "rows": rows})
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	productID := uuid.Nil
	if raw := r.URL.Query().Get("product_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, shared.NewValidationError("product_id", "invalid uuid"))
			return
		}
		productID = parsed
	}
	pendings, err := h.service.ListPendingConsumptions(r.Context(), productID, 100)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"pending": pendings})
}

type blockDTO struct {
	Blocked bool `json:"blocked"`
}

func (h *Handler) handleBlockLot(w http.ResponseWriter, r *http.Request) {
	lotID, err := uuid.Parse(chi.URLParam(r, "lotID"))
	if err != nil {
		h.writeError(w, shared.NewValidationError("lot_id", "invalid uuid"))
		return
	}
	var dto blockDTO
	if !h.decode(w, r, &dto) {
		return
	}
	if err := h.service.SetLotBlocked(r.Context(), lotID, dto.Blocked); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"lot_id": lotID, "blocked": dto.Blocked})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dto any) bool {
	if err := json.NewDecoder(r.Body).Decode(dto); err != nil {
		h.writeError(w, shared.NewValidationError("body", "invalid json"))
		return false
	}
	if err := h.validate.Struct(dto); err != nil {
		h.writeError(w, shared.NewValidationError("body", err.Error()))
		return false
	}
	return true
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
	case shared.IsValidation(err), errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrLotBlocked), errors.Is(err, ErrLotProductMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, ErrAllocationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, shared.ErrContention):
		status = http.StatusConflict
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": shared.UserSafeMessage(err)})
}

func mustUUID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}
