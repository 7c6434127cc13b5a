package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"p2pmarket/storage"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidAmount         = errors.New("token: amount must not be nil")
	ErrInvalidSymbol         = errors.New("token: symbol required")
	ErrSupplyOverflow        = errors.New("token: supply overflow")
	ErrNotMinter             = errors.New("token: caller is not the minter")
)

// Store is the key-value backend for the ledger.
type Store interface {
	Get(key []byte) ([]byte, error)
	Write(batch *storage.Batch) error
}

// Ledger is a persistent fungible token with ERC-20 style allowances.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	symbol   string
	decimals uint8
	minter   [20]byte
	prefix   []byte
}

// NewLedger binds a ledger for symbol to store. Balances of different symbols
// sharing one store never collide.
func NewLedger(store Store, symbol string, decimals uint8, minter [20]byte) (*Ledger, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return nil, ErrInvalidSymbol
	}
	if store == nil {
		return nil, fmt.Errorf("token: store required")
	}
	return &Ledger{
		store:    store,
		symbol:   normalized,
		decimals: decimals,
		minter:   minter,
		prefix:   []byte("token/" + normalized + "/"),
	}, nil
}

// Symbol returns the normalised ticker.
func (l *Ledger) Symbol() string { return l.symbol }

// Decimals returns the number of decimals used to display balances.
func (l *Ledger) Decimals() uint8 { return l.decimals }

func (l *Ledger) balanceKey(addr [20]byte) []byte {
	return append(append(append([]byte(nil), l.prefix...), "balance/"...), addr[:]...)
}

func (l *Ledger) allowanceKey(owner, spender [20]byte) []byte {
	key := append(append([]byte(nil), l.prefix...), "allowance/"...)
	key = append(key, owner[:]...)
	return append(key, spender[:]...)
}

func (l *Ledger) supplyKey() []byte {
	return append(append([]byte(nil), l.prefix...), "supply"...)
}

func (l *Ledger) read(key []byte) (*uint256.Int, error) {
	raw, err := l.store.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	var value big.Int
	if err := rlp.DecodeBytes(raw, &value); err != nil {
		return nil, fmt.Errorf("token: decode %q: %w", key, err)
	}
	out, overflow := uint256.FromBig(&value)
	if overflow {
		return nil, fmt.Errorf("token: stored value overflows")
	}
	return out, nil
}

func encodeAmount(batch *storage.Batch, key []byte, value *uint256.Int) error {
	encoded, err := rlp.EncodeToBytes(value.ToBig())
	if err != nil {
		return err
	}
	batch.Put(key, encoded)
	return nil
}

// BalanceOf returns the balance of account.
func (l *Ledger) BalanceOf(account [20]byte) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(l.balanceKey(account))
}

// TotalSupply returns the amount minted so far.
func (l *Ledger) TotalSupply() (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(l.supplyKey())
}

// Allowance returns how much spender may move on behalf of owner.
func (l *Ledger) Allowance(owner, spender [20]byte) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(l.allowanceKey(owner, spender))
}

// Mint credits amount to account. Only the configured minter may mint.
func (l *Ledger) Mint(caller, account [20]byte, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.minter {
		return ErrNotMinter
	}
	supply, err := l.read(l.supplyKey())
	if err != nil {
		return err
	}
	balance, err := l.read(l.balanceKey(account))
	if err != nil {
		return err
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(supply, amount)
	if overflow {
		return ErrSupplyOverflow
	}
	batch := new(storage.Batch)
	if err := encodeAmount(batch, l.supplyKey(), nextSupply); err != nil {
		return err
	}
	if err := encodeAmount(batch, l.balanceKey(account), new(uint256.Int).Add(balance, amount)); err != nil {
		return err
	}
	return l.store.Write(batch)
}

// Approve sets the allowance spender may draw from owner.
func (l *Ledger) Approve(owner, spender [20]byte, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := new(storage.Batch)
	if err := encodeAmount(batch, l.allowanceKey(owner, spender), amount); err != nil {
		return err
	}
	return l.store.Write(batch)
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to [20]byte, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := new(storage.Batch)
	if err := l.move(batch, from, to, amount); err != nil {
		return err
	}
	return l.store.Write(batch)
}

// TransferFrom moves amount from one account to another on behalf of spender,
// consuming spender's allowance. An owner moving its own funds needs no
// allowance.
func (l *Ledger) TransferFrom(spender, from, to [20]byte, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := new(storage.Batch)
	if spender != from {
		allowance, err := l.read(l.allowanceKey(from, spender))
		if err != nil {
			return err
		}
		if allowance.Lt(amount) {
			return fmt.Errorf("%w: have %s want %s", ErrInsufficientAllowance, allowance.Dec(), amount.Dec())
		}
		if err := encodeAmount(batch, l.allowanceKey(from, spender), new(uint256.Int).Sub(allowance, amount)); err != nil {
			return err
		}
	}
	if err := l.move(batch, from, to, amount); err != nil {
		return err
	}
	return l.store.Write(batch)
}

func (l *Ledger) move(batch *storage.Batch, from, to [20]byte, amount *uint256.Int) error {
	if amount.IsZero() || from == to {
		return nil
	}
	fromBalance, err := l.read(l.balanceKey(from))
	if err != nil {
		return err
	}
	if fromBalance.Lt(amount) {
		return fmt.Errorf("%w: have %s want %s", ErrInsufficientBalance, fromBalance.Dec(), amount.Dec())
	}
	toBalance, err := l.read(l.balanceKey(to))
	if err != nil {
		return err
	}
	if err := encodeAmount(batch, l.balanceKey(from), new(uint256.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return encodeAmount(batch, l.balanceKey(to), new(uint256.Int).Add(toBalance, amount))
}
