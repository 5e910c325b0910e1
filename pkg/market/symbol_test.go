package market

import (
	"testing"
	"time"

	"dex.com/pkg/match"
)

var sep25 = time.Date(2026, 9, 25, 8, 0, 0, 0, time.UTC).UnixMilli()

// =============================================================================
// symbol 派生
// =============================================================================

func TestDeriveSymbol(t *testing.T) {
	cases := []struct {
		product match.Product
		expiry  int64
		strike  int64
		kind    match.OptionKind
		want    string
	}{
		{match.ProductSpot, 0, 0, "", "BTC_USDT"},
		{match.ProductPerp, 0, 0, "", "BTC_USDT-PERP"},
		{match.ProductFuture, sep25, 0, "", "BTC_USDT-20260925"},
		{match.ProductOption, sep25, 50000 * match.Precision, match.OptionCall, "BTC_USDT-20260925-5000000000000-C"},
		{match.ProductOption, sep25, 50000 * match.Precision, match.OptionPut, "BTC_USDT-20260925-5000000000000-P"},
	}
	for _, c := range cases {
		got, err := DeriveSymbol(c.product, "BTC_USDT", c.expiry, c.strike, c.kind)
		if err != nil {
			t.Fatalf("%s: %v", c.product, err)
		}
		if got != c.want {
			t.Errorf("%s: want %s, got %s", c.product, c.want, got)
		}
	}
}

// 相同参数必须派生出相同 symbol (幂等创建的前提)
func TestDeriveSymbol_Deterministic(t *testing.T) {
	a, _ := DeriveSymbol(match.ProductOption, "BTC_USDT", sep25, 50000*match.Precision, match.OptionCall)
	b, _ := DeriveSymbol(match.ProductOption, "BTC_USDT", sep25, 50000*match.Precision, match.OptionCall)
	if a != b {
		t.Errorf("derivation not deterministic: %s vs %s", a, b)
	}
}

func TestDeriveSymbol_Invalid(t *testing.T) {
	if _, err := DeriveSymbol(match.ProductFuture, "BTC_USDT", 0, 0, ""); err == nil {
		t.Error("future without expiry must fail")
	}
	if _, err := DeriveSymbol(match.ProductOption, "BTC_USDT", sep25, 0, match.OptionCall); err == nil {
		t.Error("option without strike must fail")
	}
	if _, err := DeriveSymbol(match.ProductOption, "BTC_USDT", sep25, 1, "X"); err == nil {
		t.Error("option with bad kind must fail")
	}
}

// =============================================================================
// 解析往返
// =============================================================================

func TestParseSymbol_RoundTrip(t *testing.T) {
	symbols := []string{
		"BTC_USDT",
		"BTC_USDT-PERP",
		"BTC_USDT-20260925",
		"BTC_USDT-20260925-5000000000000-C",
	}
	products := []match.Product{
		match.ProductSpot, match.ProductPerp, match.ProductFuture, match.ProductOption,
	}
	for i, s := range symbols {
		p, err := ParseSymbol(s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		if p.Product != products[i] || p.Underlying != "BTC_USDT" {
			t.Errorf("parse %s: %+v", s, p)
		}
	}

	if _, err := ParseSymbol("BTC_USDT-20260925-x-C"); err == nil {
		t.Error("bad strike must fail")
	}
	if _, err := ParseSymbol("a-b-c"); err == nil {
		t.Error("three parts must fail")
	}
}

// =============================================================================
// 规格继承
// =============================================================================

func TestDeriveMeta_InheritsSpec(t *testing.T) {
	underlying := &Meta{
		Symbol: "BTC_USDT", Mode: "mainnet", Type: match.ProductSpot,
		BaseAsset: "BTC", QuoteAsset: "USDT",
		TickSize: match.Precision / 1000, LotSize: match.Precision / 100,
		Status: StatusActive,
	}
	order := &match.Order{
		Product: match.ProductOption, ExpiryTs: sep25,
		Strike: 50000 * match.Precision, OptionKind: match.OptionCall,
	}
	m := deriveMeta("BTC_USDT-20260925-5000000000000-C", order, underlying, 1000)

	if m.TickSize != underlying.TickSize || m.LotSize != underlying.LotSize {
		t.Errorf("spec not inherited: %+v", m)
	}
	if m.Underlying != "BTC_USDT" || m.Status != StatusActive || m.ExpiryTs != sep25 {
		t.Errorf("meta: %+v", m)
	}

	// 标的未配置规格时用缺省
	underlying.TickSize, underlying.LotSize = 0, 0
	m = deriveMeta("BTC_USDT-PERP", order, underlying, 1000)
	if m.TickSize != DefaultTickSize || m.LotSize != DefaultLotSize {
		t.Errorf("defaults not applied: %+v", m)
	}
}

func TestMeta_Tradable(t *testing.T) {
	m := &Meta{Status: StatusActive, ExpiryTs: 2000}
	if !m.Tradable(1999) {
		t.Error("active before expiry must be tradable")
	}
	if m.Tradable(2000) {
		t.Error("at expiry must not be tradable")
	}
	m.Status = StatusPaused
	if m.Tradable(1000) {
		t.Error("paused must not be tradable")
	}
}
