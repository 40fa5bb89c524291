// internal/api/handlers.go
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/newthinker/replay/internal/api/response"
	"github.com/newthinker/replay/internal/core"
)

// CreateRequest is the request body for starting a backtest. Symbols and
// timeframes are arrays on the wire; a run executes exactly one of each, so
// multi-element requests are rejected explicitly rather than silently
// truncated.
type CreateRequest struct {
	UserID         string   `json:"user_id"`
	Tier           string   `json:"tier"`
	StrategyCode   string   `json:"strategy_code"`
	Exchange       string   `json:"exchange"`
	Symbols        []string `json:"symbols"`
	Timeframes     []string `json:"timeframes"`
	ProductType    string   `json:"product_type,omitempty"`
	FeeTier        string   `json:"fee_tier,omitempty"`
	InitialCapital string   `json:"initial_capital"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	Precision      string   `json:"precision,omitempty"`
	Seed           int64    `json:"seed,omitempty"`
}

// handleCreate accepts a backtest submission. Everything that can reject the
// request happens synchronously; 202 means the run will execute.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.ErrorWithStatus(w, http.StatusBadRequest,
			core.WrapError(core.ErrConfigInvalid, err))
		return
	}

	parsed, err := req.toCore()
	if err != nil {
		response.ErrorWithStatus(w, http.StatusBadRequest, err)
		return
	}

	t, applied, err := s.runner.Submit(r.Context(), parsed)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.JSON(w, http.StatusAccepted, map[string]any{
		"task_id":           t.ID,
		"status":            t.Status,
		"applied_precision": applied,
		"seed":              t.Request.Seed,
	})
}

func (req CreateRequest) toCore() (core.BacktestRequest, error) {
	if len(req.Symbols) == 0 || len(req.Timeframes) == 0 {
		return core.BacktestRequest{}, core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("symbols and timeframes must each have one entry"))
	}
	if len(req.Symbols) > 1 || len(req.Timeframes) > 1 {
		return core.BacktestRequest{}, core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("multi-symbol and multi-timeframe runs are not supported; submit one request per combination"))
	}

	start, err := parseDate(req.StartDate)
	if err != nil {
		return core.BacktestRequest{}, core.WrapError(core.ErrConfigInvalid, err)
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		return core.BacktestRequest{}, core.WrapError(core.ErrConfigInvalid, err)
	}
	capital, err := decimal.NewFromString(req.InitialCapital)
	if err != nil {
		return core.BacktestRequest{}, core.WrapError(core.ErrConfigInvalid, err)
	}

	return core.BacktestRequest{
		UserID:         req.UserID,
		Tier:           req.Tier,
		StrategyCode:   req.StrategyCode,
		Exchange:       req.Exchange,
		Symbol:         req.Symbols[0],
		Timeframe:      req.Timeframes[0],
		ProductType:    core.ProductType(req.ProductType),
		FeeTier:        req.FeeTier,
		InitialCapital: capital,
		Range:          core.DateRange{Start: start, End: end},
		Precision:      core.DataPrecision(req.Precision),
		Seed:           req.Seed,
	}, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// handleList returns every known task, newest last.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks := s.tasks.List()
	items := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, map[string]any{
			"task_id":  t.ID,
			"user_id":  t.UserID,
			"status":   t.Status,
			"progress": t.Progress,
			"created":  t.CreatedAt,
		})
	}
	response.JSON(w, http.StatusOK, items)
}

// handleStatus returns the task's current lifecycle state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(mux.Vars(r)["id"])
	if err != nil {
		response.Error(w, err)
		return
	}

	resp := map[string]any{
		"task_id":  t.ID,
		"status":   t.Status,
		"progress": t.Progress,
		"step":     t.Step,
	}
	if t.Error != nil {
		resp["error"] = response.ErrorDetail{
			Code:        t.Error.Code,
			Message:     t.Error.Message,
			Suggestions: t.Error.Suggestions,
		}
	}
	if t.Diagnostics != nil {
		resp["diagnostics"] = t.Diagnostics
	}
	response.JSON(w, http.StatusOK, resp)
}

// handleResult serves the stored result payload verbatim, so repeated reads
// of the same completed task are byte-identical.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	payload, err := s.tasks.Result(mux.Vars(r)["id"])
	if err != nil {
		response.Error(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// handleCancel requests cancellation. Cancelling a task that already reached
// a terminal status is a conflict, not an idempotent no-op.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.runner.Cancel(id); err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"task_id": id,
		"status":  core.StatusCancelled,
	})
}
