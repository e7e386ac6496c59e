package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceSlotArithmetic(t *testing.T) {
	a := MustResourceSlot(map[string]string{"cpu": "2", "mem": "4294967296"})
	b := MustResourceSlot(map[string]string{"cpu": "1", "mem": "1073741824", "cuda.shares": "0.5"})

	sum := a.Add(b)
	assert.True(t, sum.Get("cpu").Equal(decimal.NewFromInt(3)))
	assert.True(t, sum.Get("mem").Equal(decimal.NewFromInt(5368709120)))
	assert.True(t, sum.Get("cuda.shares").Equal(decimal.RequireFromString("0.5")))

	diff := a.Sub(b)
	assert.True(t, diff.Get("cpu").Equal(decimal.NewFromInt(1)))
	assert.True(t, diff.Get("cuda.shares").Equal(decimal.RequireFromString("-0.5")))

	clamped := a.ClampedSub(b)
	assert.True(t, clamped.Get("cuda.shares").IsZero())

	// Operands are not mutated.
	assert.True(t, a.Get("cpu").Equal(decimal.NewFromInt(2)))
}

func TestResourceSlotFromAllocations(t *testing.T) {
	// Agents report one amount per device; per-slot totals sum across
	// devices and device types.
	alloc := map[string]any{
		"cpu-device": map[string]any{
			"cpu": map[string]any{"0": "1", "1": "1"},
		},
		"mem-device": map[string]any{
			"mem": map[string]any{"root": int64(1073741824)},
		},
		"cuda-device": map[string]any{
			"cuda.shares": map[string]any{"GPU-aaaa": "0.5", "GPU-bbbb": 0.5},
		},
	}
	rs := ResourceSlotFromAllocations(alloc)
	assert.True(t, rs.Get("cpu").Equal(decimal.NewFromInt(2)))
	assert.True(t, rs.Get("mem").Equal(decimal.NewFromInt(1073741824)))
	assert.True(t, rs.Get("cuda.shares").Equal(decimal.NewFromInt(1)))
}

func TestResourceSlotFromAllocationsSkipsMalformed(t *testing.T) {
	alloc := map[string]any{
		"cpu-device": map[string]any{
			"cpu": map[string]any{"0": "2", "1": []string{"nope"}},
		},
		"not-a-map": "garbage",
	}
	rs := ResourceSlotFromAllocations(alloc)
	assert.True(t, rs.Get("cpu").Equal(decimal.NewFromInt(2)))
	assert.Len(t, rs, 1)

	assert.Empty(t, ResourceSlotFromAllocations(nil))
}

func TestResourceSlotLessOrEqual(t *testing.T) {
	tests := []struct {
		name      string
		requested map[string]string
		available map[string]string
		want      bool
	}{
		{
			name:      "fits exactly",
			requested: map[string]string{"cpu": "2", "mem": "1024"},
			available: map[string]string{"cpu": "2", "mem": "1024"},
			want:      true,
		},
		{
			name:      "fits with headroom",
			requested: map[string]string{"cpu": "2"},
			available: map[string]string{"cpu": "8", "mem": "1024"},
			want:      true,
		},
		{
			name:      "exceeds one slot",
			requested: map[string]string{"cpu": "2", "mem": "2048"},
			available: map[string]string{"cpu": "8", "mem": "1024"},
			want:      false,
		},
		{
			name:      "slot absent from available",
			requested: map[string]string{"cuda.device": "1"},
			available: map[string]string{"cpu": "8"},
			want:      false,
		},
		{
			name:      "zero request for absent slot",
			requested: map[string]string{"cuda.device": "0"},
			available: map[string]string{"cpu": "8"},
			want:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := MustResourceSlot(tt.requested)
			avail := MustResourceSlot(tt.available)
			assert.Equal(t, tt.want, req.LessOrEqual(avail))
		})
	}
}

func TestResourceSlotJSONRoundTrip(t *testing.T) {
	orig := MustResourceSlot(map[string]string{"cpu": "2", "mem": "4294967296", "cuda.shares": "0.25"})

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var decoded ResourceSlot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, orig.Equal(decoded))
}

func TestResourceSlotUnmarshalNumeric(t *testing.T) {
	// JSONB written by other tools may carry bare numbers.
	var rs ResourceSlot
	require.NoError(t, json.Unmarshal([]byte(`{"cpu": 4, "mem": 1073741824}`), &rs))
	assert.True(t, rs.Get("cpu").Equal(decimal.NewFromInt(4)))
	assert.True(t, rs.Get("mem").Equal(decimal.NewFromInt(1073741824)))
}

func TestResourceSlotFilterKnown(t *testing.T) {
	rs := MustResourceSlot(map[string]string{"cpu": "1", "mem": "1024", "tpu.device": "2"})
	known := map[string]struct{}{"cpu": {}, "mem": {}}
	filtered := rs.FilterKnown(known)
	assert.Len(t, filtered, 2)
	assert.True(t, filtered.Get("tpu.device").IsZero())
}

func TestFormatBinarySize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"17179869184", "16g"},
		{"1073741824", "1g"},
		{"536870912", "512m"},
		{"1024", "1k"},
		{"1000", "1000"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatBinarySize(decimal.RequireFromString(tt.in)))
		})
	}
}

func TestParseBinarySize(t *testing.T) {
	v, err := ParseBinarySize("4g")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(4<<30)))

	v, err = ParseBinarySize("512m")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(512<<20)))

	v, err = ParseBinarySize("16384")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(16384)))

	_, err = ParseBinarySize("")
	assert.Error(t, err)
}

func TestResourceSlotString(t *testing.T) {
	rs := MustResourceSlot(map[string]string{"mem": "17179869184", "cpu": "8"})
	assert.Equal(t, "cpu=8, mem=16g", rs.String())
}
