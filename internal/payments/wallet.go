// Package payments holds the wallet contract used for cancellation charges
// and driver compensation.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Wallet moves money in integer currency units. ref is an idempotency key:
// repeating a call with the same ref must not move money twice.
type Wallet interface {
	Debit(ctx context.Context, userID string, amount int64, ref string) error
	Credit(ctx context.Context, userID string, amount int64, ref string) error
}

type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryCredit EntryKind = "credit"
)

type Entry struct {
	Ref    string
	UserID string
	Kind   EntryKind
	Amount int64
	At     time.Time
}

// MemoryWallet keeps balances and a ledger in memory.
type MemoryWallet struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  []Entry
	seen     map[string]bool
}

func NewMemoryWallet() *MemoryWallet {
	return &MemoryWallet{balances: make(map[string]int64), seen: make(map[string]bool)}
}

func (w *MemoryWallet) SetBalance(userID string, amount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[userID] = amount
}

func (w *MemoryWallet) Balance(userID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID]
}

func (w *MemoryWallet) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Entry(nil), w.entries...)
}

func (w *MemoryWallet) Debit(_ context.Context, userID string, amount int64, ref string) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	key := string(EntryDebit) + ":" + ref
	if w.seen[key] {
		return nil
	}
	if w.balances[userID] < amount {
		return ErrInsufficientFunds
	}
	w.balances[userID] -= amount
	w.seen[key] = true
	w.entries = append(w.entries, Entry{Ref: ref, UserID: userID, Kind: EntryDebit, Amount: amount, At: time.Now()})
	return nil
}

func (w *MemoryWallet) Credit(_ context.Context, userID string, amount int64, ref string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	key := string(EntryCredit) + ":" + ref
	if w.seen[key] {
		return nil
	}
	w.balances[userID] += amount
	w.seen[key] = true
	w.entries = append(w.entries, Entry{Ref: ref, UserID: userID, Kind: EntryCredit, Amount: amount, At: time.Now()})
	return nil
}
