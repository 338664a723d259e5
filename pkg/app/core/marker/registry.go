package marker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hashclob/pkg/app/core"
)

// Bank is the balance mover a marker transfer settles through.
type Bank interface {
	Send(from, to common.Address, coin core.Coin) error
}

// Marker controls a restricted denom. Coins of a restricted denom may only
// move through Registry.Transfer, signed off by an address holding a grant.
type Marker struct {
	Denom              string
	RequiredAttributes []string
	grants             map[common.Address]bool
	frozen             map[common.Address]bool
}

// Registry holds the restricted markers and the attributes bound to
// addresses. Safe for concurrent use: the API reads it while blocks execute.
type Registry struct {
	mu         sync.RWMutex
	markers    map[string]*Marker
	attributes map[common.Address]map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		markers:    make(map[string]*Marker),
		attributes: make(map[common.Address]map[string]bool),
	}
}

// Register adds a restricted marker for denom.
// Returns error if the denom already has one.
func (r *Registry) Register(denom string, requiredAttrs ...string) error {
	if denom == "" {
		return fmt.Errorf("%w: empty marker denom", core.ErrInvalidDenom)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markers[denom]; exists {
		return fmt.Errorf("marker %s already registered", denom)
	}
	r.markers[denom] = &Marker{
		Denom:              denom,
		RequiredAttributes: append([]string(nil), requiredAttrs...),
		grants:             make(map[common.Address]bool),
		frozen:             make(map[common.Address]bool),
	}
	return nil
}

// IsRestricted reports whether denom is backed by a restricted marker.
func (r *Registry) IsRestricted(denom string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.markers[denom]
	return ok
}

// Denoms lists the restricted denoms in sorted order.
func (r *Registry) Denoms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.markers))
	for d := range r.markers {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Grant gives addr transfer permission on denom's marker.
func (r *Registry) Grant(denom string, addr common.Address) error {
	return r.update(denom, func(m *Marker) { m.grants[addr] = true })
}

// Freeze blocks addr from receiving or sending denom.
func (r *Registry) Freeze(denom string, addr common.Address) error {
	return r.update(denom, func(m *Marker) { m.frozen[addr] = true })
}

// SetAttribute binds a named attribute to addr.
func (r *Registry) SetAttribute(addr common.Address, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attrs, ok := r.attributes[addr]
	if !ok {
		attrs = make(map[string]bool)
		r.attributes[addr] = attrs
	}
	attrs[name] = true
}

func (r *Registry) HasAttribute(addr common.Address, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attributes[addr][name]
}

// Transfer moves coin from one address to another on behalf of authority.
// Every failure wraps core.ErrTransferFailed.
func (r *Registry) Transfer(bank Bank, coin core.Coin, from, to, authority common.Address) error {
	if err := r.checkTransfer(coin, from, to, authority); err != nil {
		return fmt.Errorf("%w: %v", core.ErrTransferFailed, err)
	}
	if err := bank.Send(from, to, coin); err != nil {
		return fmt.Errorf("%w: marker %s: %w", core.ErrTransferFailed, coin.Denom, err)
	}
	return nil
}

func (r *Registry) checkTransfer(coin core.Coin, from, to, authority common.Address) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.markers[coin.Denom]
	if !ok {
		return fmt.Errorf("restricted marker required for %s", coin.Denom)
	}
	if !m.grants[authority] {
		return fmt.Errorf("%s has no transfer grant on %s", authority.Hex(), coin.Denom)
	}
	if m.frozen[from] {
		return fmt.Errorf("%s is frozen on %s", from.Hex(), coin.Denom)
	}
	if m.frozen[to] {
		return fmt.Errorf("%s is frozen on %s", to.Hex(), coin.Denom)
	}
	for _, name := range m.RequiredAttributes {
		if !r.attributes[to][name] {
			return fmt.Errorf("named attribute %s not found for %s", name, to.Hex())
		}
	}
	return nil
}

func (r *Registry) update(denom string, fn func(m *Marker)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.markers[denom]
	if !ok {
		return fmt.Errorf("marker %s not found", denom)
	}
	fn(m)
	return nil
}
