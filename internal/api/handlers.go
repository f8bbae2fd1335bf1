package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"will-go/internal/will"
)

const maxBodyBytes = 1 << 20

// willResponse renders a record with a readable delay and the emergency
// eligibility instant.
type willResponse struct {
	ID                uint64         `json:"id"`
	DocumentPointer   string         `json:"document_pointer"`
	Owner             will.Address   `json:"owner"`
	Executor          will.Address   `json:"executor"`
	CreatedAt         time.Time      `json:"created_at"`
	LastUpdateAt      time.Time      `json:"last_update_at"`
	EmergencyDelay    string         `json:"emergency_delay"`
	EmergencyAt       time.Time      `json:"emergency_at"`
	Executed          bool           `json:"executed"`
	AuthorizedViewers []will.Address `json:"authorized_viewers"`
}

func newWillResponse(rec *will.Record) willResponse {
	viewers := rec.AuthorizedViewers
	if viewers == nil {
		viewers = []will.Address{}
	}
	return willResponse{
		ID:                rec.ID,
		DocumentPointer:   rec.DocumentPointer,
		Owner:             rec.Owner,
		Executor:          rec.Executor,
		CreatedAt:         rec.CreatedAt,
		LastUpdateAt:      rec.LastUpdateAt,
		EmergencyDelay:    rec.EmergencyDelay.String(),
		EmergencyAt:       rec.EmergencyAt(),
		Executed:          rec.Executed,
		AuthorizedViewers: viewers,
	}
}

type attemptResponse struct {
	*will.Attempt
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched
// when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return &will.InputError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func pathID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &will.InputError{Field: "id", Reason: fmt.Sprintf("%q is not a will id", raw)}
	}
	return id, nil
}

func pathAddress(r *http.Request, name string) (will.Address, error) {
	return will.ParseAddress(chi.URLParam(r, name))
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]will.Address{"caller": callerFrom(r.Context())})
}

// Registry

type createWillRequest struct {
	DocumentPointer string       `json:"document_pointer"`
	Executor        will.Address `json:"executor"`
	EmergencyDelay  string       `json:"emergency_delay"`
}

func (s *Server) handleCreateWill(w http.ResponseWriter, r *http.Request) {
	var req createWillRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	delay, err := will.ParseDelay(req.EmergencyDelay)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	id, err := s.registry.Create(r.Context(), callerFrom(r.Context()), req.DocumentPointer, req.Executor, delay)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *Server) handleListWills(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	owned, err := s.registry.OwnedWills(r.Context(), caller)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	executing, err := s.registry.ExecutorWills(r.Context(), caller)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if owned == nil {
		owned = []uint64{}
	}
	if executing == nil {
		executing = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string][]uint64{"owned": owned, "executing": executing})
}

func (s *Server) handleGetWill(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	rec, err := s.registry.Read(r.Context(), callerFrom(r.Context()), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWillResponse(rec))
}

// update decodes req, then runs apply for the will in the path and answers
// with the updated record.
func (s *Server) update(w http.ResponseWriter, r *http.Request, req any, apply func(id uint64) error) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := decodeJSON(r, req, false); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := apply(id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	rec, err := s.registry.Read(r.Context(), callerFrom(r.Context()), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWillResponse(rec))
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentPointer string `json:"document_pointer"`
	}
	s.update(w, r, &req, func(id uint64) error {
		return s.registry.UpdateDocument(r.Context(), callerFrom(r.Context()), id, req.DocumentPointer)
	})
}

func (s *Server) handleUpdateExecutor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Executor will.Address `json:"executor"`
	}
	s.update(w, r, &req, func(id uint64) error {
		return s.registry.UpdateExecutor(r.Context(), callerFrom(r.Context()), id, req.Executor)
	})
}

func (s *Server) handleUpdateEmergencyDelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EmergencyDelay string `json:"emergency_delay"`
	}
	s.update(w, r, &req, func(id uint64) error {
		delay, err := will.ParseDelay(req.EmergencyDelay)
		if err != nil {
			return err
		}
		return s.registry.UpdateEmergencyDelay(r.Context(), callerFrom(r.Context()), id, delay)
	})
}

func (s *Server) handleCheckViewer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	viewer, err := pathAddress(r, "viewer")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authorized": s.registry.IsAuthorizedViewer(r.Context(), id, viewer)})
}

func (s *Server) handleAuthorizeViewer(w http.ResponseWriter, r *http.Request) {
	s.changeViewer(w, r, s.registry.AuthorizeViewer)
}

func (s *Server) handleRevokeViewer(w http.ResponseWriter, r *http.Request) {
	s.changeViewer(w, r, s.registry.RevokeViewer)
}

type viewerChange func(ctx context.Context, caller will.Address, id uint64, viewer will.Address) error

func (s *Server) changeViewer(w http.ResponseWriter, r *http.Request, change viewerChange) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	viewer, err := pathAddress(r, "viewer")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := change(r.Context(), callerFrom(r.Context()), id, viewer); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Engine

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, s.engine.ExecuteWill)
}

func (s *Server) handleEmergencyExecute(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, s.engine.EmergencyExecuteWill)
}

type executeFunc func(ctx context.Context, caller will.Address, id uint64, in *will.Instruction) (*will.Receipt, error)

func (s *Server) execute(w http.ResponseWriter, r *http.Request, run executeFunc) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	var in will.Instruction
	if err := decodeJSON(r, &in, true); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	receipt, err := run(r.Context(), callerFrom(r.Context()), id, &in)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	status, err := s.engine.ExecutionStatus(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type canExecuteResponse struct {
	Execute          bool `json:"execute"`
	EmergencyExecute bool `json:"emergency_execute"`
}

func (s *Server) handleCanExecute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	normal, err := s.engine.CanExecuteWill(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	emergency, err := s.registry.CanEmergencyExecute(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, canExecuteResponse{Execute: normal, EmergencyExecute: emergency})
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	attempts, err := s.engine.Attempts(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp := attemptResponse{Attempt: a}
		if a.FinishedAt.Valid {
			resp.FinishedAt = &a.FinishedAt.Time
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f will.EventFilter
	if raw := q.Get("will_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeFailure(w, r, &will.InputError{Field: "will_id", Reason: err.Error()})
			return
		}
		f.WillID = &id
	}
	f.Kind = will.EventKind(q.Get("kind"))
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeFailure(w, r, &will.InputError{Field: "after", Reason: err.Error()})
			return
		}
		f.AfterSeq = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeFailure(w, r, &will.InputError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		f.Limit = n
	}

	events, err := s.registry.Events(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if events == nil {
		events = []*will.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Engine administration

type settingsResponse struct {
	Address will.Address `json:"address"`
	*will.Settings
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.engine.Settings(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Address: s.engine.Address(), Settings: settings})
}

// admin decodes req and runs apply, answering with the resulting settings.
func (s *Server) admin(w http.ResponseWriter, r *http.Request, req any, apply func() error) {
	if err := decodeJSON(r, req, false); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := apply(); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.handleGetSettings(w, r)
}

func (s *Server) handleSetFeeRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeeBps uint16 `json:"fee_bps"`
	}
	s.admin(w, r, &req, func() error {
		return s.engine.SetFeeRate(r.Context(), callerFrom(r.Context()), req.FeeBps)
	})
}

func (s *Server) handleSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeeRecipient will.Address `json:"fee_recipient"`
	}
	s.admin(w, r, &req, func() error {
		return s.engine.SetFeeRecipient(r.Context(), callerFrom(r.Context()), req.FeeRecipient)
	})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewOwner will.Address `json:"new_owner"`
	}
	s.admin(w, r, &req, func() error {
		return s.engine.TransferOwnership(r.Context(), callerFrom(r.Context()), req.NewOwner)
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	amount, err := s.engine.WithdrawBalance(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]will.Amount{"amount": amount})
}

func (s *Server) handleRecoverToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenContract will.Address `json:"token_contract"`
		Amount        will.Amount  `json:"amount"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := s.engine.RecoverToken(r.Context(), callerFrom(r.Context()), req.TokenContract, req.Amount); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ledger

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	holder, err := pathAddress(r, "holder")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	asset := will.NativeAsset
	if raw := r.URL.Query().Get("asset"); raw != "" {
		if asset, err = will.ParseAddress(raw); err != nil {
			s.writeFailure(w, r, err)
			return
		}
	}
	bal, err := s.ledger.BalanceOf(r.Context(), holder, asset)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"holder": holder, "asset": asset, "balance": bal})
}

func (s *Server) handleGetNFTOwner(w http.ResponseWriter, r *http.Request) {
	contract, err := pathAddress(r, "contract")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	assetID := chi.URLParam(r, "assetID")
	owner, err := s.ledger.OwnerOf(r.Context(), contract, assetID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if owner == "" {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s#%s has not been minted", contract, assetID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]will.Address{"owner": owner})
}
