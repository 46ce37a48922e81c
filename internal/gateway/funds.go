package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/errs"
)

type fundPayload struct {
	Name         string  `json:"name"`
	BaseCurrency string  `json:"base_currency"`
	AUM          float64 `json:"aum"`
}

type bookPayload struct {
	FundID          string  `json:"fund_id"`
	Name            string  `json:"name"`
	Strategy        string  `json:"strategy"`
	MaxPositionSize float64 `json:"max_position_size"`
}

func (s *Server) handleCreateFund(w http.ResponseWriter, r *http.Request) {
	var req fundPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}
	currency, err := validateFundPayload(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	fund := domain.Fund{
		FundID:       uuid.NewString(),
		UserID:       userID(r.Context()),
		Name:         req.Name,
		BaseCurrency: currency,
		AUM:          req.AUM,
	}
	if err := s.db.CreateFund(fund); err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to create fund", err))
		return
	}

	created, err := s.db.GetFund(fund.FundID)
	if err != nil || created == nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to load created fund", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"fund": created})
}

func (s *Server) handleGetFund(w http.ResponseWriter, r *http.Request) {
	fund, ok := s.ownedFund(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"fund": fund})
}

func (s *Server) handleUpdateFund(w http.ResponseWriter, r *http.Request) {
	fund, ok := s.ownedFund(w, r)
	if !ok {
		return
	}

	var req fundPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}
	currency, err := validateFundPayload(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	fund.Name = req.Name
	fund.BaseCurrency = currency
	fund.AUM = req.AUM
	if err := s.db.UpdateFund(*fund); err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to update fund", err))
		return
	}

	updated, err := s.db.GetFund(fund.FundID)
	if err != nil || updated == nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to load updated fund", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"fund": updated})
}

func (s *Server) handleListFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := s.db.ListFunds(userID(r.Context()))
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to list funds", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"funds": funds})
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req bookPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}
	if err := validateBookPayload(&req); err != nil {
		s.writeError(w, err)
		return
	}

	// Books hang off a fund the caller owns.
	fund, err := s.db.GetFund(req.FundID)
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to load fund", err))
		return
	}
	if fund == nil {
		s.writeError(w, errs.NotFoundf("fund %s not found", req.FundID))
		return
	}
	if fund.UserID != userID(r.Context()) {
		s.writeError(w, errs.Authorizationf("fund belongs to another user"))
		return
	}

	book := domain.Book{
		BookID:          uuid.NewString(),
		FundID:          fund.FundID,
		UserID:          userID(r.Context()),
		Name:            req.Name,
		Strategy:        req.Strategy,
		MaxPositionSize: req.MaxPositionSize,
	}
	if err := s.db.CreateBook(book); err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to create book", err))
		return
	}

	created, err := s.db.GetBook(book.BookID)
	if err != nil || created == nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to load created book", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"book": created})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, ok := s.ownedBook(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"book": book})
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	book, ok := s.ownedBook(w, r)
	if !ok {
		return
	}

	var req bookPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}
	if req.FundID != "" && req.FundID != book.FundID {
		s.writeError(w, errs.Validationf("books cannot move between funds"))
		return
	}
	req.FundID = book.FundID
	if err := validateBookPayload(&req); err != nil {
		s.writeError(w, err)
		return
	}

	book.Name = req.Name
	book.Strategy = req.Strategy
	book.MaxPositionSize = req.MaxPositionSize
	if err := s.db.UpdateBook(*book); err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to update book", err))
		return
	}

	updated, err := s.db.GetBook(book.BookID)
	if err != nil || updated == nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to load updated book", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"book": updated})
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.db.ListBooks(userID(r.Context()))
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to list books", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"books": books})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
		Message  string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, errs.Validationf("message is required"))
		return
	}
	if req.Category == "" {
		req.Category = "general"
	}

	entry := domain.Feedback{
		FeedbackID: uuid.NewString(),
		UserID:     userID(r.Context()),
		Category:   req.Category,
		Message:    req.Message,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.SaveFeedback(entry); err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to save feedback", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "feedback_id": entry.FeedbackID})
}

// ownedFund loads the path's fund and enforces that the caller owns it. On
// failure the response is already written.
func (s *Server) ownedFund(w http.ResponseWriter, r *http.Request) (*domain.Fund, bool) {
	fundID := chi.URLParam(r, "id")
	fund, err := s.db.GetFund(fundID)
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to load fund", err))
		return nil, false
	}
	if fund == nil {
		s.writeError(w, errs.NotFoundf("fund %s not found", fundID))
		return nil, false
	}
	if fund.UserID != userID(r.Context()) {
		s.writeError(w, errs.Authorizationf("fund belongs to another user"))
		return nil, false
	}
	return fund, true
}

func (s *Server) ownedBook(w http.ResponseWriter, r *http.Request) (*domain.Book, bool) {
	bookID := chi.URLParam(r, "id")
	book, err := s.db.GetBook(bookID)
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to load book", err))
		return nil, false
	}
	if book == nil {
		s.writeError(w, errs.NotFoundf("book %s not found", bookID))
		return nil, false
	}
	if book.UserID != userID(r.Context()) {
		s.writeError(w, errs.Authorizationf("book belongs to another user"))
		return nil, false
	}
	return book, true
}

func validateFundPayload(req *fundPayload) (domain.Currency, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return "", errs.Validationf("fund name is required")
	}
	if req.AUM < 0 {
		return "", errs.Validationf("aum must be non-negative")
	}
	currency := domain.Currency(strings.ToUpper(strings.TrimSpace(req.BaseCurrency)))
	if currency == "" {
		currency = domain.CurrencyUSD
	}
	switch currency {
	case domain.CurrencyUSD, domain.CurrencyEUR, domain.CurrencyGBP, domain.CurrencyJPY:
	default:
		return "", errs.Validationf("unsupported currency %q", req.BaseCurrency)
	}
	return currency, nil
}

func validateBookPayload(req *bookPayload) error {
	req.Name = strings.TrimSpace(req.Name)
	if req.FundID == "" {
		return errs.Validationf("fund_id is required")
	}
	if req.Name == "" {
		return errs.Validationf("book name is required")
	}
	if req.MaxPositionSize < 0 {
		return errs.Validationf("max_position_size must be non-negative")
	}
	return nil
}
