// Package resource implements the fixed-point resource model (spec.md
// §3/§4.8): ordered resource-id -> quantity mappings, pointwise
// comparison, and per-node instance sets used by the cluster scheduler
// and placement-group manager.
package resource

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Scale is the fixed-point scale applied to all resource quantities so
// that fractional ticks (e.g. a tenth of a GPU) behave like integers
// after multiplication, per spec.md §8's boundary-behavior requirement.
var Scale = decimal.New(1, 4) // 1e4 ticks per unit.

// Quantity is a fixed-point resource amount.
type Quantity struct {
	d decimal.Decimal
}

// NewQuantity builds a Quantity from a whole-unit float, e.g. NewQuantity(1.5)
// for 1.5 CPUs.
func NewQuantity(units float64) Quantity {
	return Quantity{d: decimal.NewFromFloat(units).Mul(Scale).Truncate(0)}
}

// NewQuantityTicks builds a Quantity directly from its integer tick count.
func NewQuantityTicks(ticks int64) Quantity {
	return Quantity{d: decimal.New(ticks, 0)}
}

// Ticks returns the underlying integer tick count.
func (q Quantity) Ticks() int64 { return q.d.IntPart() }

// Add returns q+other.
func (q Quantity) Add(other Quantity) Quantity { return Quantity{d: q.d.Add(other.d)} }

// Sub returns q-other.
func (q Quantity) Sub(other Quantity) Quantity { return Quantity{d: q.d.Sub(other.d)} }

// GTE reports whether q >= other.
func (q Quantity) GTE(other Quantity) bool { return q.d.GreaterThanOrEqual(other.d) }

// LTE reports whether q <= other.
func (q Quantity) LTE(other Quantity) bool { return q.d.LessThanOrEqual(other.d) }

// IsZero reports whether the quantity is exactly zero.
func (q Quantity) IsZero() bool { return q.d.IsZero() }

// IsNegative reports whether the quantity is below zero.
func (q Quantity) IsNegative() bool { return q.d.IsNegative() }

func (q Quantity) String() string {
	return q.d.DivRound(Scale, 4).String()
}

// ID names a resource kind, e.g. "CPU", "GPU", or a custom name.
type ID string

// Well-known resource ids.
const (
	CPU    ID = "CPU"
	GPU    ID = "GPU"
	Memory ID = "memory"
)

// Set is an ordered resource-id -> quantity mapping. The zero value is an
// empty set. Sets are immutable from the caller's point of view; mutating
// methods return a new Set.
type Set struct {
	m map[ID]Quantity
}

// NewSet builds a Set from the given entries.
func NewSet(entries map[ID]Quantity) Set {
	m := make(map[ID]Quantity, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return Set{m: m}
}

// Get returns the quantity for id, or the zero Quantity if absent.
func (s Set) Get(resourceID ID) Quantity {
	return s.m[resourceID]
}

// IDs returns the resource ids present in the set, sorted for determinism.
func (s Set) IDs() []ID {
	ids := make([]ID, 0, len(s.m))
	for k := range s.m {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsEmpty reports whether the set has no nonzero entries.
func (s Set) IsEmpty() bool {
	for _, v := range s.m {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// GTE reports whether every resource in other is satisfied at or above
// its quantity in s (s is feasible/available for a request of other).
func (s Set) GTE(other Set) bool {
	for _, id := range other.IDs() {
		if s.Get(id).d.LessThan(other.Get(id).d) {
			return false
		}
	}
	return true
}

// Add returns the pointwise sum of s and other.
func (s Set) Add(other Set) Set {
	out := make(map[ID]Quantity, len(s.m)+len(other.m))
	for k, v := range s.m {
		out[k] = v
	}
	for k, v := range other.m {
		out[k] = out[k].Add(v)
	}
	return Set{m: out}
}

// Sub returns the pointwise difference s-other. It does not clamp at
// zero; callers that must enforce availability should check GTE first.
func (s Set) Sub(other Set) Set {
	out := make(map[ID]Quantity, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	for k, v := range other.m {
		out[k] = out[k].Sub(v)
	}
	return Set{m: out}
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	return s.Add(Set{})
}

func (s Set) String() string {
	out := "{"
	for i, id := range s.IDs() {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s:%s", id, s.Get(id))
	}
	return out + "}"
}

// Label is an opaque node/bundle affinity tag, e.g. "zone=us-east-1a".
type Label struct {
	Key   string
	Value string
}
