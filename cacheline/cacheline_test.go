package cacheline

import "testing"

func TestAlignUp(t *testing.T) {
	cases := []struct {
		n, align, want uintptr
	}{
		{0, 64, 0},
		{1, 64, 64},
		{64, 64, 64},
		{65, 64, 128},
		{100, 4096, 4096},
	}
	for _, c := range cases {
		if got := AlignUp(c.n, c.align); got != c.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
}

func TestIsAligned(t *testing.T) {
	if !IsAligned(128, 64) {
		t.Errorf("128 should be aligned to 64")
	}
	if IsAligned(129, 64) {
		t.Errorf("129 should not be aligned to 64")
	}
}

func TestPageSizeIsPositive(t *testing.T) {
	if PageSize() <= 0 {
		t.Errorf("PageSize() = %d, want > 0", PageSize())
	}
}

func TestSizeIsPowerOfTwo(t *testing.T) {
	if Size == 0 || Size&(Size-1) != 0 {
		t.Errorf("Size = %d is not a power of two", Size)
	}
}
