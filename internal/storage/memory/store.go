// Package memory is a process-local storage.Store for tests and ephemeral runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/verigate/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu            sync.RWMutex
	verifications map[string]storage.VerificationRecord
	selection     *storage.Selection
	charges       map[string]storage.Charge
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		verifications: make(map[string]storage.VerificationRecord),
		charges:       make(map[string]storage.Charge),
	}
}

func (s *Store) GetVerification(ctx context.Context, hash string) (*storage.VerificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.verifications[hash]
	if !exists {
		return nil, fmt.Errorf("verification %s: %w", hash, storage.ErrNotFound)
	}
	return &rec, nil
}

func (s *Store) SaveVerification(ctx context.Context, rec *storage.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.VerifiedAt.IsZero() {
		rec.VerifiedAt = time.Now()
	}
	s.verifications[rec.Hash] = *rec
	return nil
}

func (s *Store) GetSelection(ctx context.Context) (*storage.Selection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.selection == nil {
		return nil, fmt.Errorf("selection: %w", storage.ErrNotFound)
	}
	sel := *s.selection
	return &sel, nil
}

func (s *Store) SetSelection(ctx context.Context, sel *storage.Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sel.UpdatedAt = time.Now()
	cp := *sel
	s.selection = &cp
	return nil
}

func (s *Store) ClearSelection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selection = nil
	return nil
}

func (s *Store) RecordCharge(ctx context.Context, c *storage.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.charges[c.ID]; exists {
		return fmt.Errorf("charge %s already exists", c.ID)
	}

	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = storage.ChargeUnsettled
	}
	s.charges[c.ID] = *c
	return nil
}

func (s *Store) GetCharge(ctx context.Context, id string) (*storage.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.charges[id]
	if !exists {
		return nil, fmt.Errorf("charge %s: %w", id, storage.ErrNotFound)
	}
	return &c, nil
}

func (s *Store) ListCharges(ctx context.Context, opts storage.ChargeListOptions) ([]*storage.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Charge
	for _, c := range s.charges {
		if opts.WalletAddress != "" && !strings.EqualFold(c.WalletAddress, opts.WalletAddress) {
			continue
		}
		if opts.Status != "" && c.Status != opts.Status {
			continue
		}
		c := c
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (s *Store) UpdateChargeStatus(ctx context.Context, id string, status storage.ChargeStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.charges[id]
	if !exists {
		return fmt.Errorf("charge %s: %w", id, storage.ErrNotFound)
	}
	c.Status = status
	c.Error = errMsg
	c.UpdatedAt = time.Now()
	s.charges[id] = c
	return nil
}

func (s *Store) Close() error {
	return nil
}
