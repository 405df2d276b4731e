package memory

import (
	"context"
	"sort"
	"time"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/store"
)

// Reserve holds amount credits under token. Duplicate reserves for a known
// token succeed without a second debit.
func (s *Store) Reserve(_ context.Context, token, userID string, amount int64, provider, model, feature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[token]; ok {
		return nil
	}
	if s.balances[userID] < amount {
		return store.ErrInsufficientCredits
	}

	s.balances[userID] -= amount
	s.reservations[token] = &store.Reservation{
		Token:     token,
		UserID:    userID,
		Amount:    amount,
		Provider:  provider,
		Model:     model,
		Feature:   feature,
		Status:    store.ReservationReserved,
		CreatedAt: time.Now(),
	}
	return nil
}

func (s *Store) Commit(_ context.Context, token string, finalAmount *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[token]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != store.ReservationReserved {
		return nil
	}

	settled := r.Amount
	if finalAmount != nil {
		settled = *finalAmount
	}
	// Refund the over-estimate or charge the shortfall.
	s.balances[r.UserID] += r.Amount - settled

	now := time.Now()
	r.Status = store.ReservationCommitted
	r.FinalAmount = &settled
	r.ResolvedAt = &now
	return nil
}

func (s *Store) Release(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[token]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != store.ReservationReserved {
		return nil
	}

	s.balances[r.UserID] += r.Amount

	now := time.Now()
	r.Status = store.ReservationReleased
	r.ResolvedAt = &now
	return nil
}

// StaleReservations lists open holds created before cutoff, oldest first.
func (s *Store) StaleReservations(_ context.Context, cutoff time.Time, limit int) ([]store.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Reservation
	for _, r := range s.reservations {
		if r.Status == store.ReservationReserved && r.CreatedAt.Before(cutoff) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetReservation(_ context.Context, token string) (*store.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *Store) AddCredits(_ context.Context, userID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[userID] += amount
	return nil
}

func (s *Store) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return b, nil
}
