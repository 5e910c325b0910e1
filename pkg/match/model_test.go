package match

import "testing"

// 大持仓 × 大价差: 中间积超出 int64，必须走 128 位
func TestPosition_UnrealizedPnLLargePosition(t *testing.T) {
	p := &Position{Size: 2000 * Precision, EntryPrice: 50000 * Precision}
	want := int64(2000) * 10000 * Precision // (60000-50000) × 2000
	if got := p.UnrealizedPnL(60000 * Precision); got != want {
		t.Fatalf("pnl overflowed: got %d want %d", got, want)
	}

	short := &Position{Size: -2000 * Precision, EntryPrice: 50000 * Precision}
	if got := short.UnrealizedPnL(60000 * Precision); got != -want {
		t.Fatalf("short pnl: got %d want %d", got, -want)
	}
}

func TestPosition_UnrealizedPnLSigns(t *testing.T) {
	long := &Position{Size: Precision, EntryPrice: 90 * Precision}
	if got := long.UnrealizedPnL(100 * Precision); got != 10*Precision {
		t.Errorf("long profit: %d", got)
	}
	if got := long.UnrealizedPnL(80 * Precision); got != -10*Precision {
		t.Errorf("long loss: %d", got)
	}
	if got := long.UnrealizedPnL(90 * Precision); got != 0 {
		t.Errorf("flat: %d", got)
	}
}
