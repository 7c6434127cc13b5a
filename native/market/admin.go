package market

import (
	"log/slog"

	"p2pmarket/core/types"
)

// SetParams replaces the market parameters. Owner only; caps are enforced by
// Params.Validate. Arbitrators whose standing changes against a new minimum
// stake are re-evaluated lazily through RefreshArbitrator.
func (e *Engine) SetParams(caller [20]byte, params Params) (Params, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return Params{}, ErrNotOwner
	}
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	params = params.Clone()
	tx := e.begin()
	if err := tx.storeParams(params); err != nil {
		return Params{}, err
	}
	if err := e.commit("set-params", tx, nil); err != nil {
		return Params{}, err
	}
	e.emit(newParamsEvent(params))
	e.logger.Info("market: params updated",
		slog.Uint64("commission_bps", uint64(params.CommissionBps)),
		slog.Duration("escrow_window", params.EscrowWindow),
		slog.String("minimum_stake", params.MinimumStake.Dec()))
	return params.Clone(), nil
}

// Pause suspends every mutating operation except DelistOrder.
func (e *Engine) Pause(caller [20]byte) error {
	return e.setPaused(caller, true)
}

// Unpause lifts a previous Pause.
func (e *Engine) Unpause(caller [20]byte) error {
	return e.setPaused(caller, false)
}

func (e *Engine) setPaused(caller [20]byte, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return ErrNotOwner
	}
	tx := e.begin()
	current, err := tx.paused()
	if err != nil {
		return err
	}
	if current == paused {
		return nil
	}
	if err := tx.put(pausedKey, paused); err != nil {
		return err
	}
	if err := e.commit("pause", tx, nil); err != nil {
		return err
	}
	eventType := EventTypeUnpaused
	if paused {
		eventType = EventTypePaused
	}
	e.emit(&types.Event{Type: eventType, Attributes: map[string]string{"owner": addrHex(caller)}})
	e.logger.Info("market: pause toggled", slog.Bool("paused", paused))
	return nil
}
