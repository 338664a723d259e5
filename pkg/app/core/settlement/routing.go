// Package settlement turns fills into token movements and executes them.
//
// Each leg of a trade moves coins either by direct bank transfer or through
// the restricted marker of its denom. Which one is used is a fixed function of
// whether the base and quote denoms are restricted.
package settlement

import "fmt"

// Mechanism is how a single leg moves coins.
type Mechanism int8

const (
	Direct Mechanism = iota
	Escrow
)

func (m Mechanism) String() string {
	switch m {
	case Direct:
		return "direct"
	case Escrow:
		return "escrow"
	default:
		return "unknown"
	}
}

func (m Mechanism) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mechanism) UnmarshalText(b []byte) error {
	switch string(b) {
	case "direct":
		*m = Direct
	case "escrow":
		*m = Escrow
	default:
		return fmt.Errorf("unknown mechanism %q", b)
	}
	return nil
}

// Route holds the mechanism for each leg of a trade.
type Route struct {
	Base  Mechanism
	Quote Mechanism
}

// RouteFor returns the routing for a pair:
//
//	base restricted | quote restricted | base leg | quote leg
//	yes             | no               | escrow   | direct
//	yes             | yes              | escrow   | escrow
//	no              | no               | direct   | direct
//	no              | yes              | direct   | escrow
func RouteFor(baseRestricted, quoteRestricted bool) Route {
	return Route{Base: mechanismFor(baseRestricted), Quote: mechanismFor(quoteRestricted)}
}

func mechanismFor(restricted bool) Mechanism {
	if restricted {
		return Escrow
	}
	return Direct
}

// Restrictions reports whether a denom is backed by a restricted marker.
type Restrictions interface {
	IsRestricted(denom string) bool
}

// MechanismFor picks the mechanism a single denom moves with.
func MechanismFor(r Restrictions, denom string) Mechanism {
	return mechanismFor(r != nil && r.IsRestricted(denom))
}
