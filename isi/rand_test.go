package isi

import (
	"math/rand"
	"testing"
)

func TestAddSelectorWraps(t *testing.T) {
	cases := []struct {
		base uint16
		inc  int
		want uint16
	}{
		{0, 0, 0},
		{0x2FFF, 1, 0},
		{0x2FFE, 3, 1},
		{0x1000, 0x2000, 0},
	}
	for _, c := range cases {
		got := AddSelector(c.base, c.inc)
		if got != c.want {
			t.Errorf("AddSelector(%#x, %d) = %#x, want %#x", c.base, c.inc, got, c.want)
		}
		if got > SelectorMax {
			t.Errorf("AddSelector(%#x, %d) = %#x exceeds SelectorMax", c.base, c.inc, got)
		}
	}
}

func TestAddSelectorExhaustive(t *testing.T) {
	for s := 0; s <= SelectorMax; s += 137 {
		for i := 0; i < SelectorModulo; i += 401 {
			got := AddSelector(uint16(s), i)
			want := uint16((s + i) % SelectorModulo)
			if got != want {
				t.Fatalf("AddSelector(%#x, %d) = %#x, want %#x", s, i, got, want)
			}
			if got > SelectorMax {
				t.Fatalf("AddSelector(%#x, %d) = %#x exceeds SelectorMax", s, i, got)
			}
		}
	}
}

func TestInSelectorRangeNoWrap(t *testing.T) {
	if !InSelectorRange(0x1000, 4, 0x1002) {
		t.Error("expected 0x1002 in [0x1000, 0x1004]")
	}
	if InSelectorRange(0x1000, 4, 0x1005) {
		t.Error("expected 0x1005 outside [0x1000, 0x1004]")
	}
}

func TestInSelectorRangeWrap(t *testing.T) {
	base := uint16(SelectorMax - 1)
	if !InSelectorRange(base, 3, 1) {
		t.Error("expected wrap-around candidate 1 to be in range")
	}
	if InSelectorRange(base, 3, 10) {
		t.Error("expected candidate 10 outside the wrapped range")
	}
}

func TestRandBoundedDeterministic(t *testing.T) {
	r := &Rand{Source: rand.New(rand.NewSource(1))}
	a := r.Bounded(10, 5)
	if a < 5 || a >= 15 {
		t.Errorf("Bounded(10, 5) = %d, want in [5,15)", a)
	}
}

func TestAllocSlotAndGetPeriodBounds(t *testing.T) {
	r := &Rand{Source: rand.New(rand.NewSource(42))}
	slot := r.AllocSlot(64, 2)
	if slot < 0 || slot > 64*2 {
		t.Errorf("AllocSlot out of expected bound: %d", slot)
	}
	period := r.GetPeriod(64, 2)
	min := 64*2 - 1
	if period < min || period > min+2 {
		t.Errorf("GetPeriod(64,2) = %d, want in [%d,%d]", period, min, min+2)
	}
}
