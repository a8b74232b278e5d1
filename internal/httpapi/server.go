package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hmonster013/ecommerce-microservice-sub009/internal/order"
	"github.com/hmonster013/ecommerce-microservice-sub009/internal/payment"
)

// Server is the read-side API over the reconciliation state: order status,
// audit trails, ledger rows. Order creation is the only write; everything
// else mutates through inbound events.
type Server struct {
	machine *order.Machine
	ledger  *payment.Ledger
	methods *payment.Methods
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewServer(machine *order.Machine, ledger *payment.Ledger, methods *payment.Methods, logger *slog.Logger) *Server {
	s := &Server{
		machine: machine,
		ledger:  ledger,
		methods: methods,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /orders", s.createOrder)
	s.mux.HandleFunc("GET /orders", s.listOrders)
	s.mux.HandleFunc("GET /orders/{orderID}", s.getOrder)
	s.mux.HandleFunc("GET /orders/{orderID}/events", s.getOrderEvents)
	s.mux.HandleFunc("GET /orders/{orderID}/transactions", s.getOrderTransactions)
	s.mux.HandleFunc("POST /payment-methods", s.createPaymentMethod)
	s.mux.HandleFunc("GET /payment-methods", s.listPaymentMethods)
	s.mux.HandleFunc("POST /payment-methods/{methodID}/default", s.setDefaultPaymentMethod)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.machine.Create(r.Context(), userID, req.Amount, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orders, err := s.machine.List(r.Context(), userID)
	if err != nil {
		s.logger.Error("list orders", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ownedOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) getOrderEvents(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ownedOrder(w, r)
	if !ok {
		return
	}

	events, err := s.machine.Events(r.Context(), o.ID)
	if err != nil {
		s.logger.Error("list order events", "order_id", o.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) getOrderTransactions(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ownedOrder(w, r)
	if !ok {
		return
	}

	p, err := s.ledger.PaymentByOrder(r.Context(), o.ID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"transactions": []payment.Transaction{}})
			return
		}
		s.logger.Error("get payment", "order_id", o.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	txs, err := s.ledger.ListByPayment(r.Context(), p.ID)
	if err != nil {
		s.logger.Error("list transactions", "payment_id", p.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": p, "transactions": txs})
}

func (s *Server) createPaymentMethod(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Type    string `json:"type"`
		Default bool   `json:"default"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	m, err := s.methods.Create(r.Context(), userID, payment.MethodType(req.Type), req.Default)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	methods, err := s.methods.List(r.Context(), userID)
	if err != nil {
		s.logger.Error("list payment methods", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment_methods": methods})
}

func (s *Server) setDefaultPaymentMethod(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	methodID, err := uuid.Parse(r.PathValue("methodID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid method id")
		return
	}

	if err := s.methods.SetDefault(r.Context(), userID, methodID); err != nil {
		if errors.Is(err, payment.ErrMethodNotFound) {
			writeError(w, http.StatusNotFound, "payment method not found")
			return
		}
		s.logger.Error("set default method", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedOrder loads the path order and checks it belongs to the caller.
func (s *Server) ownedOrder(w http.ResponseWriter, r *http.Request) (*order.Order, bool) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return nil, false
	}

	o, err := s.machine.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return nil, false
		}
		s.logger.Error("get order", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if o.UserID != userID {
		writeError(w, http.StatusNotFound, "order not found")
		return nil, false
	}
	return o, true
}

func userIDFromRequest(r *http.Request) (uuid.UUID, error) {
	value := r.Header.Get("X-User-ID")
	if value == "" {
		return uuid.UUID{}, errors.New("missing X-User-ID header")
	}
	return uuid.Parse(value)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
