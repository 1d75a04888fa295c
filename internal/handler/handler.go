package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/iurnickita/bonusledger/internal/customers"
	"github.com/iurnickita/bonusledger/internal/gzip"
	"github.com/iurnickita/bonusledger/internal/handler/config"
	"github.com/iurnickita/bonusledger/internal/ledger"
	"github.com/iurnickita/bonusledger/internal/logger"
	"github.com/iurnickita/bonusledger/internal/model"
	"github.com/iurnickita/bonusledger/internal/notifier"
	"github.com/iurnickita/bonusledger/internal/ratelimit"
	"github.com/iurnickita/bonusledger/internal/tenant"
)

func Serve(cfg config.Config, registry tenant.Registry, customers customers.Customers,
	ledger ledger.Ledger, notifier notifier.Notifier, zaplog *zap.Logger) error {

	h := newHandler(registry, customers, ledger, notifier, zaplog,
		ratelimit.New(cfg.RateRPS, cfg.RateBurst))
	router := h.newRouter()

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	return srv.ListenAndServe()
}

type handler struct {
	registry  tenant.Registry
	customers customers.Customers
	ledger    ledger.Ledger
	notifier  notifier.Notifier
	zaplog    *zap.Logger
	limiter   *ratelimit.Limiter
}

func newHandler(registry tenant.Registry, customers customers.Customers, ledger ledger.Ledger,
	notifier notifier.Notifier, zaplog *zap.Logger, limiter *ratelimit.Limiter) *handler {
	return &handler{
		registry:  registry,
		customers: customers,
		ledger:    ledger,
		notifier:  notifier,
		zaplog:    zaplog,
		limiter:   limiter,
	}
}

func (h *handler) newRouter() chi.Router {
	router := chi.NewRouter()
	router.Use(logger.RequestLogMdlw(h.zaplog))
	router.Use(gzip.Middleware)
	router.Route("/webhook/{credential}", func(router chi.Router) {
		router.Use(h.limiter.Middleware)
		router.Use(h.registry.Middleware)
		router.Post("/", h.PostEvent)
		router.Get("/balance", h.GetBalance)
	})

	return router
}

// JSON ответов

type BonusJSONResponse struct {
	ID        string    `json:"id"`
	Amount    float64   `json:"amount"`
	Source    string    `json:"source"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type BalanceJSONResponse struct {
	Current      float64 `json:"current"`
	Earned       float64 `json:"earned"`
	Spent        float64 `json:"spent"`
	ExpiringSoon float64 `json:"expiring_soon"`
}

type PurchaseJSONResponse struct {
	Bonus   BonusJSONResponse   `json:"bonus"`
	Balance BalanceJSONResponse `json:"balance"`
}

type SpendJSONResponse struct {
	Spent            float64             `json:"spent"`
	ConsumedBonusIDs []string            `json:"consumed_bonus_ids"`
	Balance          BalanceJSONResponse `json:"balance"`
}

type RegisterJSONResponse struct {
	ID string `json:"id"`
}

type OrderItemJSONResponse struct {
	Order string             `json:"order"`
	Bonus *BonusJSONResponse `json:"bonus,omitempty"`
	Error string             `json:"error,omitempty"`
}

type ErrorsJSONResponse struct {
	Errors []FieldError `json:"errors"`
}

func bonusJSON(bonus model.Bonus) BonusJSONResponse {
	return BonusJSONResponse{
		ID:        bonus.ID.String(),
		Amount:    pointsOutput(bonus.AmountGranted),
		Source:    bonus.SourceType,
		GrantedAt: bonus.GrantedAt,
		ExpiresAt: bonus.ExpiresAt,
	}
}

func balanceJSON(balance model.BalanceSummary) BalanceJSONResponse {
	return BalanceJSONResponse{
		Current:      pointsOutput(balance.Current),
		Earned:       pointsOutput(balance.TotalEarned),
		Spent:        pointsOutput(balance.TotalSpent),
		ExpiringSoon: pointsOutput(balance.ExpiringSoon),
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, statusCode int, response any) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(responseJSON)
}

func (h *handler) writeFieldErrors(w http.ResponseWriter, fieldErrs []FieldError) {
	h.writeJSON(w, http.StatusBadRequest, ErrorsJSONResponse{Errors: fieldErrs})
}

// внутренние детали наружу не отдаем
func (h *handler) internalError(w http.ResponseWriter, err error) {
	h.zaplog.Error("internal fault", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (h *handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	project, ok := tenant.ProjectFromContext(r.Context())
	if !ok {
		h.internalError(w, errors.New("no project in context"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	commands, fieldErrs := normalize(body)
	if fieldErrs != nil {
		h.writeFieldErrors(w, fieldErrs)
		return
	}

	if isBatch(body) {
		h.postOrderBatch(w, r, project, commands)
		return
	}

	command := commands[0]
	switch command.Action {
	case model.ActionRegisterUser:
		h.registerUser(w, r, project, command)
	case model.ActionPurchase:
		h.purchase(w, r, project, command)
	case model.ActionSpendBonuses:
		h.spendBonuses(w, r, project, command)
	}
}

func (h *handler) registerUser(w http.ResponseWriter, r *http.Request, project model.Project, command model.Command) {
	customer, err := h.customers.Register(r.Context(), project, customers.RegisterRequest{
		Email:         command.Email,
		Phone:         command.Phone,
		ReferrerEmail: command.Referrer,
	})
	if err != nil {
		switch {
		case errors.Is(err, customers.ErrAlreadyExists):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, customers.ErrInsufficientData):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.internalError(w, err)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, RegisterJSONResponse{ID: customer.ID})
}

func (h *handler) purchase(w http.ResponseWriter, r *http.Request, project model.Project, command model.Command) {
	customer, err := h.customers.FindByEmail(r.Context(), project, command.Email)
	if err != nil {
		h.customerError(w, err)
		return
	}

	result, err := h.ledger.Grant(r.Context(), project, ledger.GrantRequest{
		CustomerID:     customer.ID,
		SourceType:     model.BonusSourcePurchase,
		PurchaseAmount: command.Amount,
		OrderRef:       command.OrderRef,
	})
	if err != nil {
		h.ledgerError(w, err)
		return
	}

	if !result.Replayed {
		go h.notifier.BalanceChanged(project, customer, notifier.EventGranted, result.Balance)
	}

	h.writeJSON(w, http.StatusOK, PurchaseJSONResponse{
		Bonus:   bonusJSON(result.Bonus),
		Balance: balanceJSON(result.Balance),
	})
}

func (h *handler) spendBonuses(w http.ResponseWriter, r *http.Request, project model.Project, command model.Command) {
	customer, err := h.customers.FindByEmail(r.Context(), project, command.Email)
	if err != nil {
		h.customerError(w, err)
		return
	}

	result, err := h.ledger.Redeem(r.Context(), project, ledger.RedeemRequest{
		CustomerID:  customer.ID,
		Amount:      command.Amount,
		OrderAmount: command.OrderAmount,
		OrderRef:    command.OrderRef,
	})
	if err != nil {
		h.ledgerError(w, err)
		return
	}

	if !result.Replayed {
		go h.notifier.BalanceChanged(project, customer, notifier.EventRedeemed, result.Balance)
	}

	consumed := make([]string, 0, len(result.ConsumedBonusIDs))
	for _, id := range result.ConsumedBonusIDs {
		consumed = append(consumed, id.String())
	}
	h.writeJSON(w, http.StatusOK, SpendJSONResponse{
		Spent:            pointsOutput(result.Spent),
		ConsumedBonusIDs: consumed,
		Balance:          balanceJSON(result.Balance),
	})
}

// postOrderBatch проводит выгрузку заказов стороннего магазина.
// Каждый заказ - отдельная операция: отказ одного
// не откатывает остальные
func (h *handler) postOrderBatch(w http.ResponseWriter, r *http.Request, project model.Project, commands []model.Command) {
	items := make([]OrderItemJSONResponse, 0, len(commands))
	for _, command := range commands {
		item := OrderItemJSONResponse{Order: command.OrderRef}

		customer, err := h.customers.FindByEmail(r.Context(), project, command.Email)
		if err != nil {
			item.Error = h.batchErrorText(err)
			items = append(items, item)
			continue
		}

		result, err := h.ledger.Grant(r.Context(), project, ledger.GrantRequest{
			CustomerID:     customer.ID,
			SourceType:     model.BonusSourcePurchase,
			PurchaseAmount: command.Amount,
			OrderRef:       command.OrderRef,
		})
		if err != nil {
			item.Error = h.batchErrorText(err)
			items = append(items, item)
			continue
		}

		if !result.Replayed {
			go h.notifier.BalanceChanged(project, customer, notifier.EventGranted, result.Balance)
		}
		bonus := bonusJSON(result.Bonus)
		item.Bonus = &bonus
		items = append(items, item)
	}

	h.writeJSON(w, http.StatusOK, items)
}

func (h *handler) batchErrorText(err error) string {
	switch {
	case errors.Is(err, customers.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrCustomerInactive),
		errors.Is(err, ledger.ErrAmountIncorrect),
		errors.Is(err, ledger.ErrInsufficientData),
		errors.Is(err, ledger.ErrConflict):
		return err.Error()
	default:
		h.zaplog.Error("order batch fault", zap.Error(err))
		return "internal error"
	}
}

func (h *handler) customerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, customers.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, customers.ErrInsufficientData):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.internalError(w, err)
	}
}

func (h *handler) ledgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrOverPaymentLimit),
		errors.Is(err, ledger.ErrAmountIncorrect),
		errors.Is(err, ledger.ErrInsufficientData),
		errors.Is(err, ledger.ErrCustomerInactive):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.internalError(w, err)
	}
}

func (h *handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	project, ok := tenant.ProjectFromContext(r.Context())
	if !ok {
		h.internalError(w, errors.New("no project in context"))
		return
	}

	email := r.URL.Query().Get("email")
	if email == "" {
		h.writeFieldErrors(w, []FieldError{{Field: "email", Message: "required"}})
		return
	}

	customer, err := h.customers.FindByEmail(r.Context(), project, email)
	if err != nil {
		h.customerError(w, err)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), customer.ID)
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, balanceJSON(balance))
}
