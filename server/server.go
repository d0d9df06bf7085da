// Package server exposes the settlement engine over HTTP. Handlers translate
// wire requests into engine operations and engine outcomes into a uniform
// envelope; a settlement still awaiting chain confirmation answers 202 with
// the operation id so callers can follow the status feed.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wordbounty/chain"
	"wordbounty/ledger"
	"wordbounty/native/bounty"
	"wordbounty/settlement"
)

// Server is the HTTP front of the settlement engine.
type Server struct {
	engine *settlement.Engine
	log    *slog.Logger
	router chi.Router
}

// New constructs the server and its routes.
func New(engine *settlement.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{engine: engine, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/operations", s.handleOperations)

	r.Route("/bounties", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/participants", s.handleParticipants)
			r.Get("/payments", s.handlePayments)
			r.Post("/join", s.handleJoin)
			r.Post("/progress", s.handleProgress)
			r.Post("/complete", s.handleComplete)
			r.Post("/cancel", s.handleCancel)
			r.Post("/refund", s.handleRefund)
		})
	})
	r.Post("/admin/fees/withdraw", s.handleWithdrawFees)

	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

type envelope struct {
	Success       bool        `json:"success"`
	OperationID   string      `json:"operationId,omitempty"`
	TransactionID string      `json:"transactionId,omitempty"`
	Status        string      `json:"status,omitempty"`
	Pending       bool        `json:"pending,omitempty"`
	Error         string      `json:"error,omitempty"`
	Data          interface{} `json:"data,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encode response", slog.Any("err", err))
	}
}

func (s *Server) writeResult(w http.ResponseWriter, res *settlement.Result) {
	code := http.StatusOK
	if res.Pending {
		// Submitted but not yet confirmed; the ledger carries the trail.
		code = http.StatusAccepted
	}
	s.writeJSON(w, code, envelope{
		Success:       true,
		OperationID:   res.OperationID,
		TransactionID: res.TxHash,
		Status:        string(res.Status),
		Pending:       res.Pending,
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *settlement.ValidationError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		code = http.StatusBadRequest
	case errors.Is(err, settlement.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, settlement.ErrAlreadyInProgress),
		errors.Is(err, ledger.ErrCapReached),
		errors.Is(err, ledger.ErrConflict),
		errors.Is(err, bounty.ErrNoEligibleWinner):
		code = http.StatusConflict
	case errors.Is(err, chain.ErrRejected), errors.Is(err, chain.ErrTxFailed):
		code = http.StatusBadGateway
	}
	s.writeJSON(w, code, envelope{Success: false, Error: err.Error()})
}

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &settlement.ValidationError{Reason: "malformed request body: " + err.Error()}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleOperations(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.engine.Reporter().Events()})
}

type createRequest struct {
	Creator         string `json:"creator"`
	Prize           string `json:"prize"`
	Currency        string `json:"currency"`
	Distribution    string `json:"distribution"`
	Criteria        string `json:"criteria"`
	ParticipantCap  int    `json:"participantCap"`
	DurationSeconds int64  `json:"durationSeconds"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	prize, ok := new(big.Int).SetString(strings.TrimSpace(req.Prize), 10)
	if !ok {
		s.writeError(w, &settlement.ValidationError{Reason: "prize must be a base-10 integer"})
		return
	}
	res, err := s.engine.CreateBounty(r.Context(), settlement.CreateParams{
		Creator:        req.Creator,
		Prize:          prize,
		Currency:       req.Currency,
		Distribution:   req.Distribution,
		Criteria:       req.Criteria,
		ParticipantCap: req.ParticipantCap,
		Duration:       time.Duration(req.DurationSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, statusCode(res), envelope{
		Success:       true,
		OperationID:   res.OperationID,
		TransactionID: res.TxHash,
		Status:        string(res.Status),
		Pending:       res.Pending,
		Data:          map[string]string{"bountyId": res.BountyID},
	})
}

func statusCode(res *settlement.Result) int {
	if res.Pending {
		return http.StatusAccepted
	}
	return http.StatusOK
}

type bountyView struct {
	ID             string `json:"id"`
	Creator        string `json:"creator"`
	Prize          string `json:"prize"`
	Currency       string `json:"currency"`
	Distribution   string `json:"distribution"`
	Criteria       string `json:"criteria"`
	ParticipantCap int    `json:"participantCap"`
	Status         string `json:"status"`
	DepositTx      string `json:"depositTx,omitempty"`
	ResolutionTx   string `json:"resolutionTx,omitempty"`
	CreatedAt      string `json:"createdAt"`
	StartedAt      string `json:"startedAt,omitempty"`
	EndsAt         string `json:"endsAt,omitempty"`
}

func viewOf(b *bounty.Bounty) bountyView {
	view := bountyView{
		ID:             b.ID,
		Creator:        b.Creator,
		Prize:          b.Prize.String(),
		Currency:       b.Currency,
		Distribution:   string(b.Distribution),
		Criteria:       string(b.Criteria),
		ParticipantCap: b.ParticipantCap,
		Status:         string(b.Status),
		DepositTx:      b.DepositTx,
		ResolutionTx:   b.ResolutionTx,
		CreatedAt:      b.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !b.StartedAt.IsZero() {
		view.StartedAt = b.StartedAt.UTC().Format(time.RFC3339)
	}
	if !b.EndsAt.IsZero() {
		view.EndsAt = b.EndsAt.UTC().Format(time.RFC3339)
	}
	return view
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.GetBounty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: viewOf(b)})
}

type participationView struct {
	Participant    string `json:"participant"`
	Attempts       int    `json:"attempts"`
	WordsCompleted int    `json:"wordsCompleted"`
	ElapsedMs      int64  `json:"elapsedMs"`
	Status         string `json:"status"`
	Winner         bool   `json:"winner"`
	Rank           int    `json:"rank,omitempty"`
	PrizeShare     string `json:"prizeShare,omitempty"`
	Unpaid         bool   `json:"unpaid,omitempty"`
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	participations, err := s.engine.ListParticipations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]participationView, 0, len(participations))
	for _, p := range participations {
		view := participationView{
			Participant:    p.Participant,
			Attempts:       p.Attempts,
			WordsCompleted: p.WordsCompleted,
			ElapsedMs:      p.Elapsed.Milliseconds(),
			Status:         string(p.Status),
			Winner:         p.Winner,
			Rank:           p.Rank,
			Unpaid:         p.Unpaid,
		}
		if p.PrizeShare != nil {
			view.PrizeShare = p.PrizeShare.String()
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: views})
}

type paymentView struct {
	Hash      string `json:"hash"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Amount    string `json:"amount"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	payments, err := s.engine.Payments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]paymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, paymentView{
			Hash:      p.Hash,
			From:      p.From,
			To:        p.To,
			Amount:    p.Amount.String(),
			Kind:      string(p.Kind),
			Status:    string(p.Status),
			CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: views})
}

type joinRequest struct {
	Participant string `json:"participant"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.engine.JoinBounty(r.Context(), chi.URLParam(r, "id"), req.Participant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{
		"participant": p.Participant,
		"joinedAt":    p.JoinedAt.UTC().Format(time.RFC3339),
	}})
}

type progressRequest struct {
	Participant    string `json:"participant"`
	Attempts       int    `json:"attempts"`
	WordsCompleted int    `json:"wordsCompleted"`
	ElapsedMs      int64  `json:"elapsedMs"`
	Completed      bool   `json:"completed"`
	Abandoned      bool   `json:"abandoned"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.engine.UpdateProgress(r.Context(), chi.URLParam(r, "id"), req.Participant, settlement.Progress{
		Attempts:       req.Attempts,
		WordsCompleted: req.WordsCompleted,
		Elapsed:        time.Duration(req.ElapsedMs) * time.Millisecond,
		Completed:      req.Completed,
		Abandoned:      req.Abandoned,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{
		"participant": p.Participant,
		"status":      string(p.Status),
	}})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CompleteBounty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, res)
}

type requesterBody struct {
	Requester string `json:"requester"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req requesterBody
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.engine.CancelBounty(r.Context(), chi.URLParam(r, "id"), req.Requester)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, res)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req requesterBody
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.engine.ClaimExpiredRefund(r.Context(), chi.URLParam(r, "id"), req.Requester)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, res)
}

type withdrawRequest struct {
	Requester string `json:"requester"`
	Recipient string `json:"recipient"`
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.engine.WithdrawFees(r.Context(), req.Requester, req.Recipient)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, res)
}
