// Package types defines the shared vocabulary of the manager core:
// resource slots, lifecycle statuses, cluster enums, and reason codes.
package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Well-known slot names. Agents may report arbitrary additional slots
// (accelerator plugins); unknown names are carried as-is.
const (
	SlotCPU = "cpu"
	SlotMem = "mem"
)

// ResourceSlot maps a slot name to a decimal quantity. The "mem" slot is
// measured in bytes. Arithmetic is elementwise over the union of keys;
// missing keys are treated as zero.
type ResourceSlot map[string]decimal.Decimal

// NewResourceSlot builds a slot map from string quantities.
// Invalid quantities are rejected.
func NewResourceSlot(pairs map[string]string) (ResourceSlot, error) {
	rs := make(ResourceSlot, len(pairs))
	for name, raw := range pairs {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity for slot %q: %w", name, err)
		}
		rs[name] = d
	}
	return rs, nil
}

// MustResourceSlot is NewResourceSlot for literals in tests and defaults.
func MustResourceSlot(pairs map[string]string) ResourceSlot {
	rs, err := NewResourceSlot(pairs)
	if err != nil {
		panic(err)
	}
	return rs
}

// ResourceSlotFromAllocations flattens an agent-reported allocation map
// (device type → slot name → device id → amount) into per-slot totals.
// Agents report what each device contributed; the manager only tracks the
// per-slot sum. Entries that are not amount maps are skipped.
func ResourceSlotFromAllocations(allocations map[string]any) ResourceSlot {
	out := ResourceSlot{}
	for _, perType := range allocations {
		slots, ok := perType.(map[string]any)
		if !ok {
			continue
		}
		for name, perDevice := range slots {
			devices, ok := perDevice.(map[string]any)
			if !ok {
				continue
			}
			total := out.Get(name)
			for _, amount := range devices {
				d, err := decimalFromAny(amount)
				if err != nil {
					continue
				}
				total = total.Add(d)
			}
			out[name] = total
		}
	}
	return out
}

func decimalFromAny(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case json.Number:
		return decimal.NewFromString(t.String())
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case uint64:
		return decimal.NewFromUint64(t), nil
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount %T", v)
	}
}

// Clone returns a deep copy.
func (rs ResourceSlot) Clone() ResourceSlot {
	out := make(ResourceSlot, len(rs))
	for k, v := range rs {
		out[k] = v
	}
	return out
}

// Get returns the quantity for a slot, zero when absent.
func (rs ResourceSlot) Get(name string) decimal.Decimal {
	if v, ok := rs[name]; ok {
		return v
	}
	return decimal.Zero
}

// Add returns rs + other over the union of keys.
func (rs ResourceSlot) Add(other ResourceSlot) ResourceSlot {
	out := rs.Clone()
	for k, v := range other {
		out[k] = out.Get(k).Add(v)
	}
	return out
}

// Sub returns rs − other over the union of keys. Values may go negative;
// callers reconciling occupancy use the signed delta.
func (rs ResourceSlot) Sub(other ResourceSlot) ResourceSlot {
	out := rs.Clone()
	for k, v := range other {
		out[k] = out.Get(k).Sub(v)
	}
	return out
}

// ClampedSub returns rs − other with each slot floored at zero.
func (rs ResourceSlot) ClampedSub(other ResourceSlot) ResourceSlot {
	out := rs.Sub(other)
	for k, v := range out {
		if v.IsNegative() {
			out[k] = decimal.Zero
		}
	}
	return out
}

// LessOrEqual reports whether every slot in rs is ≤ the same slot in other
// (absent slots in other count as zero). This is the fit test used by the
// scheduler: requested.LessOrEqual(available.Sub(occupied)).
func (rs ResourceSlot) LessOrEqual(other ResourceSlot) bool {
	for k, v := range rs {
		if v.GreaterThan(other.Get(k)) {
			return false
		}
	}
	return true
}

// Equal reports elementwise equality over the union of keys.
func (rs ResourceSlot) Equal(other ResourceSlot) bool {
	for k, v := range rs {
		if !v.Equal(other.Get(k)) {
			return false
		}
	}
	for k, v := range other {
		if !v.Equal(rs.Get(k)) {
			return false
		}
	}
	return true
}

// IsZero reports whether every slot is zero (or the map is empty).
func (rs ResourceSlot) IsZero() bool {
	for _, v := range rs {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// Names returns the slot names sorted lexically.
func (rs ResourceSlot) Names() []string {
	names := make([]string, 0, len(rs))
	for k := range rs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// FilterKnown drops slots whose names are not in the known set. Agents and
// policies may reference slot types this deployment no longer registers;
// those entries are silently discarded on read.
func (rs ResourceSlot) FilterKnown(known map[string]struct{}) ResourceSlot {
	out := make(ResourceSlot, len(rs))
	for k, v := range rs {
		if _, ok := known[k]; ok {
			out[k] = v
		}
	}
	return out
}

// ZeroLike returns a slot map with the same keys as rs, all zero.
func (rs ResourceSlot) ZeroLike() ResourceSlot {
	out := make(ResourceSlot, len(rs))
	for k := range rs {
		out[k] = decimal.Zero
	}
	return out
}

// MarshalJSON encodes quantities as strings to preserve decimal precision
// across the wire and in JSONB columns.
func (rs ResourceSlot) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(rs))
	for k, v := range rs {
		m[k] = v.String()
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts both string and numeric quantities.
func (rs *ResourceSlot) UnmarshalJSON(data []byte) error {
	var m map[string]json.Number
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		// Fall back to string values ("2", "4g" is not accepted; quantities
		// are plain decimals).
		var sm map[string]string
		if serr := json.Unmarshal(data, &sm); serr != nil {
			return err
		}
		out := make(ResourceSlot, len(sm))
		for k, v := range sm {
			d, derr := decimal.NewFromString(v)
			if derr != nil {
				return fmt.Errorf("slot %q: %w", k, derr)
			}
			out[k] = d
		}
		*rs = out
		return nil
	}
	out := make(ResourceSlot, len(m))
	for k, v := range m {
		d, derr := decimal.NewFromString(v.String())
		if derr != nil {
			return fmt.Errorf("slot %q: %w", k, derr)
		}
		out[k] = d
	}
	*rs = out
	return nil
}

// String renders "cpu=2, mem=4g" style output, mem humanized, sorted by name.
func (rs ResourceSlot) String() string {
	parts := make([]string, 0, len(rs))
	for _, name := range rs.Names() {
		v := rs[name]
		if name == SlotMem {
			parts = append(parts, fmt.Sprintf("%s=%s", name, FormatBinarySize(v)))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%s", name, v.String()))
		}
	}
	return strings.Join(parts, ", ")
}

var binaryUnits = []struct {
	suffix string
	factor int64
}{
	{"t", 1 << 40},
	{"g", 1 << 30},
	{"m", 1 << 20},
	{"k", 1 << 10},
}

// FormatBinarySize renders a byte quantity with the largest binary unit
// that divides it evenly, e.g. 17179869184 → "16g".
func FormatBinarySize(v decimal.Decimal) string {
	for _, u := range binaryUnits {
		f := decimal.NewFromInt(u.factor)
		if v.GreaterThanOrEqual(f) && v.Mod(f).IsZero() {
			return v.Div(f).String() + u.suffix
		}
	}
	return v.String()
}

// ParseBinarySize parses "4g", "512m", "16384" into a byte quantity.
func ParseBinarySize(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty size")
	}
	for _, u := range binaryUnits {
		if strings.HasSuffix(s, u.suffix) {
			base, err := decimal.NewFromString(strings.TrimSuffix(s, u.suffix))
			if err != nil {
				return decimal.Zero, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return base.Mul(decimal.NewFromInt(u.factor)), nil
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return d, nil
}
