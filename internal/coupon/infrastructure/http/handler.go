package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/application"
	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

type Handler struct {
	log      *slog.Logger
	issuer   *application.Issuer
	coord    *application.Coordinator
	sweeper  *application.TimeoutSweeper
	payments *application.PaymentReconciler
	tracer   trace.Tracer
}

func NewHandler(log *slog.Logger, issuer *application.Issuer, coord *application.Coordinator,
	sweeper *application.TimeoutSweeper, payments *application.PaymentReconciler) *Handler {
	return &Handler{
		log:      log,
		issuer:   issuer,
		coord:    coord,
		sweeper:  sweeper,
		payments: payments,
		tracer:   otel.Tracer("coupon-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/policies", h.createPolicy)
	r.Post("/policies/{id}/coupons", h.issue)
	r.Post("/policies/{id}/stock/resync", h.resyncStock)

	r.Post("/coupons/{id}/reserve", h.reserve)
	r.Post("/coupons/{id}/apply", h.apply)
	r.Delete("/coupons/{id}", h.cancel)

	r.Delete("/reservations/{id}/lock", h.releaseLock)

	r.Post("/payments/completed", h.paymentCompleted)
	r.Post("/payments/failed", h.paymentFailed)

	r.Post("/sweeps/timeout", h.sweep)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

type createPolicyReq struct {
	Code            string           `json:"code"`
	Name            string           `json:"name"`
	DiscountType    string           `json:"discount_type"`
	DiscountValue   decimal.Decimal  `json:"discount_value"`
	MaxDiscount     *decimal.Decimal `json:"max_discount,omitempty"`
	Mode            string           `json:"distribution_mode"`
	Start           time.Time        `json:"start_at"`
	End             time.Time        `json:"end_at"`
	MaxIssueCount   *int64           `json:"max_issue_count,omitempty"`
	MaxIssuePerUser *int64           `json:"max_issue_per_user,omitempty"`
	Active          *bool            `json:"active,omitempty"`
}

type policyResp struct {
	ID                int64   `json:"id"`
	Code              string  `json:"code"`
	Name              string  `json:"name"`
	DiscountType      string  `json:"discount_type"`
	DiscountValue     string  `json:"discount_value"`
	MaxDiscount       *string `json:"max_discount,omitempty"`
	Mode              string  `json:"distribution_mode"`
	StartAt           string  `json:"start_at"`
	EndAt             string  `json:"end_at,omitempty"`
	MaxIssueCount     *int64  `json:"max_issue_count,omitempty"`
	MaxIssuePerUser   *int64  `json:"max_issue_per_user,omitempty"`
	CurrentIssueCount int64   `json:"current_issue_count"`
	Active            bool    `json:"active"`
}

type couponResp struct {
	ID             int64   `json:"id"`
	PolicyID       int64   `json:"policy_id"`
	UserID         string  `json:"user_id"`
	Status         string  `json:"status"`
	ReservationID  string  `json:"reservation_id,omitempty"`
	OrderID        string  `json:"order_id,omitempty"`
	DiscountAmount *string `json:"discount_amount,omitempty"`
	IssuedAt       string  `json:"issued_at"`
	ValidUntil     string  `json:"valid_until,omitempty"`
}

type reserveReq struct {
	UserID        string          `json:"user_id"`
	ReservationID string          `json:"reservation_id"`
	OrderID       string          `json:"order_id"`
	OrderAmount   decimal.Decimal `json:"order_amount"`
}

type reservationResp struct {
	ReservationID  string `json:"reservation_id"`
	CouponID       int64  `json:"coupon_id"`
	DiscountAmount string `json:"discount_amount"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Outcome        string `json:"outcome"`
}

type errorResp struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (h *Handler) createPolicy(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreatePolicy")
	defer span.End()

	var req createPolicyReq
	if !h.decode(w, r, &req) {
		return
	}
	p := domain.Policy{
		Code:            req.Code,
		Name:            req.Name,
		Rule:            domain.DiscountRule{Type: domain.DiscountType(req.DiscountType), Value: req.DiscountValue, MaxDiscount: req.MaxDiscount},
		Mode:            domain.DistributionMode(req.Mode),
		Start:           req.Start,
		End:             req.End,
		MaxIssueCount:   req.MaxIssueCount,
		MaxIssuePerUser: req.MaxIssuePerUser,
		Active:          req.Active == nil || *req.Active,
	}
	created, err := h.issuer.CreatePolicy(ctx, p)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPolicyResp(created))
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "IssueCoupon")
	defer span.End()

	policyID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	span.SetAttributes(attribute.Int64("coupon.policy_id", policyID))

	c, err := h.issuer.Issue(ctx, policyID, req.UserID)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCouponResp(c))
}

func (h *Handler) resyncStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ResyncStock")
	defer span.End()

	policyID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	remaining, err := h.issuer.ResyncStock(ctx, policyID)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"policy_id": policyID, "remaining": remaining})
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	h.hold(w, r, "ReserveCoupon", h.coord.Reserve)
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request) {
	h.hold(w, r, "ApplyCoupon", h.coord.Apply)
}

type holdFunc func(ctx context.Context, userID string, couponID int64, reservationID string, order domain.OrderContext) (application.ReservationResult, error)

func (h *Handler) hold(w http.ResponseWriter, r *http.Request, name string, fn holdFunc) {
	ctx, span := h.tracer.Start(r.Context(), name)
	defer span.End()

	couponID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reserveReq
	if !h.decode(w, r, &req) {
		return
	}
	span.SetAttributes(attribute.Int64("coupon.id", couponID), attribute.String("coupon.reservation_id", req.ReservationID))

	res, err := fn(ctx, req.UserID, couponID, req.ReservationID, domain.OrderContext{OrderID: req.OrderID, OrderAmount: req.OrderAmount})
	if err != nil {
		h.fail(w, span, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome != domain.Applied {
		status = http.StatusOK
	}
	resp := reservationResp{
		ReservationID:  res.ReservationID,
		CouponID:       res.CouponID,
		DiscountAmount: res.DiscountAmount.StringFixed(2),
		Outcome:        string(res.Outcome),
	}
	if !res.ExpiresAt.IsZero() {
		resp.ExpiresAt = res.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, status, resp)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelCoupon")
	defer span.End()

	couponID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	c, err := h.issuer.Cancel(ctx, couponID)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResp(c))
}

func (h *Handler) releaseLock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ReleaseLock")
	defer span.End()

	released, err := h.coord.ReleaseLock(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (h *Handler) paymentCompleted(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentCompleted")
	defer span.End()

	var ev domain.PaymentCompleted
	if !h.decode(w, r, &ev) {
		return
	}
	out, err := h.payments.OnPaymentCompleted(ctx, ev)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(out)})
}

func (h *Handler) paymentFailed(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentFailed")
	defer span.End()

	var ev domain.PaymentFailed
	if !h.decode(w, r, &ev) {
		return
	}
	out, err := h.payments.OnPaymentFailed(ctx, ev)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(out)})
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "TimeoutSweep")
	defer span.End()

	n, err := h.sweeper.RunOnce(ctx)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Code: "INVALID_ARGUMENT", Message: "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Code: "INVALID_ARGUMENT", Message: "invalid body"})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, span trace.Span, err error) {
	code := domain.CodeOf(err)
	status := statusOf(err)
	span.SetStatus(codes.Error, code)
	if status >= http.StatusInternalServerError {
		span.RecordError(err)
		h.log.Error("request failed", "code", code, "err", err)
	}

	retryable := domain.Retryable(err)
	if retryable {
		w.Header().Set("Retry-After", "1")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorResp{Code: code, Message: msg, Retryable: retryable})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrLockContention), errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrReservationMismatch):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStockExhausted), errors.Is(err, domain.ErrUserLimitExceeded),
		errors.Is(err, domain.ErrPolicyNotActive), errors.Is(err, domain.ErrPolicyExpired),
		errors.Is(err, domain.ErrPolicyNotStarted):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toPolicyResp(p domain.Policy) policyResp {
	resp := policyResp{
		ID:                p.ID,
		Code:              p.Code,
		Name:              p.Name,
		DiscountType:      string(p.Rule.Type),
		DiscountValue:     p.Rule.Value.String(),
		Mode:              string(p.Mode),
		StartAt:           p.Start.UTC().Format(time.RFC3339),
		MaxIssueCount:     p.MaxIssueCount,
		MaxIssuePerUser:   p.MaxIssuePerUser,
		CurrentIssueCount: p.CurrentIssueCount,
		Active:            p.Active,
	}
	if p.Rule.MaxDiscount != nil {
		s := p.Rule.MaxDiscount.String()
		resp.MaxDiscount = &s
	}
	if !p.End.IsZero() {
		resp.EndAt = p.End.UTC().Format(time.RFC3339)
	}
	return resp
}

func toCouponResp(c domain.Coupon) couponResp {
	resp := couponResp{
		ID:            c.ID,
		PolicyID:      c.PolicyID,
		UserID:        c.UserID,
		Status:        string(c.Status),
		ReservationID: c.ReservationID,
		OrderID:       c.OrderID,
		IssuedAt:      c.IssuedAt.UTC().Format(time.RFC3339),
	}
	if c.DiscountAmount != nil {
		s := c.DiscountAmount.StringFixed(2)
		resp.DiscountAmount = &s
	}
	if !c.ValidUntil.IsZero() {
		resp.ValidUntil = c.ValidUntil.UTC().Format(time.RFC3339)
	}
	return resp
}
