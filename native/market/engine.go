package market

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"p2pmarket/core/events"
	"p2pmarket/core/types"
	nativecommon "p2pmarket/native/common"
)

// ModuleName is the key consulted on the external pause view.
const ModuleName = "market"

// Token is the fungible asset the engine moves value with. Implementations
// must either complete a transfer in full or return an error.
type Token interface {
	Transfer(from, to [20]byte, amount *uint256.Int) error
	TransferFrom(spender, from, to [20]byte, amount *uint256.Int) error
	BalanceOf(account [20]byte) (*uint256.Int, error)
	Decimals() uint8
}

// DefaultCustody is the account that holds escrowed and staked funds unless
// the engine is configured otherwise.
var DefaultCustody = func() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("market/custody"))[12:])
	return addr
}()

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine runs the marketplace escrow and arbitration state machine. Every
// mutating call is serialized and applied as a single buffered transaction.
type Engine struct {
	mu      sync.RWMutex
	store   Store
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64
	random  io.Reader
	pauses  nativecommon.PauseView

	owner   [20]byte
	custody [20]byte

	settlementToken    Token
	settlementDecimals uint8
	stakingToken       Token
	stakingDecimals    uint8
}

// NewEngine creates an engine over store with a no-op emitter, the system
// clock and crypto/rand as the selection entropy source.
func NewEngine(store Store, owner [20]byte) *Engine {
	return &Engine{
		store:   store,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   func() int64 { return time.Now().Unix() },
		random:  rand.Reader,
		owner:   owner,
		custody: DefaultCustody,
	}
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger replaces the engine logger. Nil restores slog.Default().
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetRandomSource replaces the entropy used for arbitrator selection. Nil
// restores crypto/rand.
func (e *Engine) SetRandomSource(r io.Reader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r == nil {
		r = rand.Reader
	}
	e.random = r
}

// SetPauses wires an external module pause switch.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses = p
}

// SetCustody overrides the account holding escrowed funds and stake.
func (e *Engine) SetCustody(addr [20]byte) error {
	if addr == ([20]byte{}) {
		return ErrInvalidAddress
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custody = addr
	return nil
}

// SetSettlementToken configures the asset orders are priced and paid in. The
// token's decimals are read once here and cached.
func (e *Engine) SetSettlementToken(token Token) error {
	if token == nil {
		return ErrTokenNotConfigured
	}
	decimals := token.Decimals()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settlementToken = token
	e.settlementDecimals = decimals
	return nil
}

// SetStakingToken configures the asset arbitrators bond with.
func (e *Engine) SetStakingToken(token Token) error {
	if token == nil {
		return ErrTokenNotConfigured
	}
	decimals := token.Decimals()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stakingToken = token
	e.stakingDecimals = decimals
	return nil
}

// SettlementDecimals returns the cached decimals of the settlement token.
func (e *Engine) SettlementDecimals() uint8 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settlementDecimals
}

// StakingDecimals returns the cached decimals of the staking token.
func (e *Engine) StakingDecimals() uint8 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stakingDecimals
}

// Owner returns the administrative owner.
func (e *Engine) Owner() [20]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.owner
}

// Custody returns the account holding escrowed funds and stake.
func (e *Engine) Custody() [20]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.custody
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) begin() *stateTx { return newStateTx(e.store) }

// guard rejects mutations while the engine or the external module switch is
// paused.
func (e *Engine) guard(tx *stateTx) error {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		if errors.Is(err, nativecommon.ErrModulePaused) {
			return ErrPaused
		}
		return err
	}
	paused, err := tx.paused()
	if err != nil {
		return err
	}
	if paused {
		return ErrPaused
	}
	return nil
}

func (e *Engine) requireSettlement() error {
	if e.settlementToken == nil {
		return fmt.Errorf("%w: settlement", ErrTokenNotConfigured)
	}
	return nil
}

func (e *Engine) requireStaking() error {
	if e.stakingToken == nil {
		return fmt.Errorf("%w: staking", ErrTokenNotConfigured)
	}
	return nil
}

func (e *Engine) governance(p Params) [20]byte {
	if p.Governance != ([20]byte{}) {
		return p.Governance
	}
	return e.owner
}

func (e *Engine) treasury(p Params) [20]byte {
	if p.Treasury != ([20]byte{}) {
		return p.Treasury
	}
	return e.owner
}

func (e *Engine) commissionRecipient(p Params) [20]byte {
	if p.CommissionRecipient != ([20]byte{}) {
		return p.CommissionRecipient
	}
	return e.owner
}

// transfer is one queued value movement. Pulls draw from a payer into
// custody; pushes pay out of custody.
type transfer struct {
	token  Token
	pull   bool
	party  [20]byte
	amount *uint256.Int
	label  string
}

type transferPlan struct {
	pulls  []transfer
	pushes []transfer
}

func (p *transferPlan) pull(token Token, from [20]byte, amount *uint256.Int, label string) {
	if amount == nil || amount.IsZero() {
		return
	}
	p.pulls = append(p.pulls, transfer{token: token, pull: true, party: from, amount: new(uint256.Int).Set(amount), label: label})
}

func (p *transferPlan) push(token Token, to [20]byte, amount *uint256.Int, label string) {
	if amount == nil || amount.IsZero() {
		return
	}
	p.pushes = append(p.pushes, transfer{token: token, party: to, amount: new(uint256.Int).Set(amount), label: label})
}

// execute runs pulls before pushes. It reports how many transfers completed
// so the caller can tell a clean rejection from a partial settlement.
func (p *transferPlan) execute(custody [20]byte) (int, error) {
	done := 0
	for _, list := range [][]transfer{p.pulls, p.pushes} {
		for _, t := range list {
			var err error
			if t.pull {
				err = t.token.TransferFrom(custody, t.party, custody, t.amount)
			} else {
				err = t.token.Transfer(custody, t.party, t.amount)
			}
			if err != nil {
				if done == 0 {
					return done, fmt.Errorf("market: %s transfer: %w", t.label, err)
				}
				return done, fmt.Errorf("%w: %s transfer to %x: %v", ErrPartialSettlement, t.label, t.party, err)
			}
			done++
		}
	}
	return done, nil
}

// commit performs the queued transfers and then writes the buffered state.
// Nothing is persisted when the first transfer fails.
func (e *Engine) commit(op string, tx *stateTx, plan *transferPlan) error {
	done := 0
	if plan != nil {
		var err error
		done, err = plan.execute(e.custody)
		if err != nil {
			return e.fail(op, err)
		}
	}
	if !tx.dirty() {
		return nil
	}
	if err := e.store.Write(tx.batch()); err != nil {
		if done > 0 {
			return e.fail(op, fmt.Errorf("%w: %v", ErrCommitAfterPayout, err))
		}
		return e.fail(op, fmt.Errorf("market: commit state: %w", err))
	}
	return nil
}

// fail logs fatal errors at error level and passes every error through.
func (e *Engine) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		e.logger.Error("market: invariant failure", slog.String("op", op), slog.Any("error", err))
	} else {
		e.logger.Debug("market: operation rejected", slog.String("op", op), slog.Any("error", err))
	}
	return err
}

func (e *Engine) emit(evts ...*types.Event) {
	if e.emitter == nil {
		return
	}
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		e.emitter.Emit(marketEvent{evt: evt})
	}
}

func validateText(value string, max int, allowEmpty bool, sentinel error) error {
	if strings.TrimSpace(value) == "" && !allowEmpty {
		return sentinel
	}
	if len(value) > max {
		return fmt.Errorf("%w: length %d exceeds %d", sentinel, len(value), max)
	}
	return nil
}
