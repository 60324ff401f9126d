package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"cryptoterm/internal/types"

	"go.uber.org/zap"
)

const maxAggregateBody = 1 << 20

// AggregateRequest is the /api/aggregate body. Each level is [price, quantity]
// and both sides must be ordered best price first.
type AggregateRequest struct {
	Bids [][]float64 `json:"bids"`
	Asks [][]float64 `json:"asks"`
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status    string           `json:"status"`
	Kernel    string           `json:"kernel"`
	Backend   string           `json:"backend"`
	Clients   int              `json:"clients"`
	Exchanges []ExchangeHealth `json:"exchanges"`
}

// ExchangeHealth summarizes one feed
type ExchangeHealth struct {
	Exchange    string `json:"exchange"`
	Symbol      string `json:"symbol"`
	Connected   bool   `json:"connected"`
	Initialized bool   `json:"initialized"`
	Buffered    int    `json:"buffered"`
	Messages    int64  `json:"messages"`
	Errors      int64  `json:"errors"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Kernel:    s.kernel.State().String(),
		Backend:   s.kernel.BackendName(),
		Clients:   s.ClientCount(),
		Exchanges: make([]ExchangeHealth, 0, len(s.feeds)),
	}

	for _, f := range s.feeds {
		health := f.ex.Health()
		eh := ExchangeHealth{
			Exchange:    f.name,
			Symbol:      f.symbol,
			Connected:   health.Connected,
			Initialized: f.book.IsInitialized(),
			Buffered:    f.book.GetBufferLength(),
			Messages:    health.MessageCount,
			Errors:      health.ErrorCount,
		}
		if !eh.Connected || !eh.Initialized {
			resp.Status = "degraded"
		}
		resp.Exchanges = append(resp.Exchanges, eh)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req AggregateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAggregateBody))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	bids, err := toLevels(req.Bids)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("bids: %w", err))
		return
	}
	asks, err := toLevels(req.Asks)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("asks: %w", err))
		return
	}

	result := s.kernel.Compute(bids, asks)

	w.Header().Set("X-Kernel-Backend", s.kernel.BackendName())
	w.Header().Set("X-Compute-Duration-Ns", strconv.FormatInt(s.kernel.LastDuration().Nanoseconds(), 10))
	if !result.Finite() {
		s.writeError(w, http.StatusUnprocessableEntity, errNonFinite)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func toLevels(raw [][]float64) ([]types.OrderLevel, error) {
	levels := make([]types.OrderLevel, len(raw))
	for i, l := range raw {
		if len(l) != 2 {
			return nil, fmt.Errorf("level %d: want [price, quantity], got %d values", i, len(l))
		}
		levels[i] = types.OrderLevel{Price: l[0], Quantity: l[1]}
	}
	return levels, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

var errNonFinite = errors.New("levels overflow float64: result is not finite")

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeJSON marshals before touching the status line so an encoding failure
// still reaches the client as a 500.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: "encode response"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}
