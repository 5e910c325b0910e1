// 文件: pkg/market/symbol.go
// 衍生品 instrument symbol 派生
//
// symbol 由 (标的对, 到期日, 行权价?, 期权类型?) 确定性派生，
// 相同参数必然得到相同市场:
//
//	永续:   BTC_USDT-PERP
//	交割:   BTC_USDT-20260925
//	期权:   BTC_USDT-20260925-5000000000000-C
//
// 行权价用定点整数原样拼接，避免小数格式歧义。

package market

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dex.com/pkg/match"
)

var ErrBadSymbol = errors.New("malformed instrument symbol")

const expiryDateLayout = "20060102"

// =============================================================================
// 派生
// =============================================================================

// DeriveSymbol 从订单参数派生 instrument symbol
func DeriveSymbol(product match.Product, underlying string, expiryTs int64, strike int64, kind match.OptionKind) (string, error) {
	switch product {
	case match.ProductSpot:
		return underlying, nil
	case match.ProductPerp:
		return underlying + "-PERP", nil
	case match.ProductFuture:
		if expiryTs <= 0 {
			return "", fmt.Errorf("%w: future needs expiry", ErrBadSymbol)
		}
		return underlying + "-" + expiryDate(expiryTs), nil
	case match.ProductOption:
		if expiryTs <= 0 || strike <= 0 || (kind != match.OptionCall && kind != match.OptionPut) {
			return "", fmt.Errorf("%w: option needs expiry/strike/kind", ErrBadSymbol)
		}
		return fmt.Sprintf("%s-%s-%d-%s", underlying, expiryDate(expiryTs), strike, kind), nil
	default:
		return "", fmt.Errorf("%w: unknown product %q", ErrBadSymbol, product)
	}
}

func expiryDate(expiryTs int64) string {
	return time.UnixMilli(expiryTs).UTC().Format(expiryDateLayout)
}

// =============================================================================
// 解析
// =============================================================================

// ParsedSymbol 解析结果
type ParsedSymbol struct {
	Underlying string
	Product    match.Product
	ExpiryDate string
	Strike     int64
	Kind       match.OptionKind
}

// ParseSymbol 解析 instrument symbol
// 现货对本身不含 '-' (形如 BTC_USDT)
func ParseSymbol(symbol string) (ParsedSymbol, error) {
	parts := strings.Split(symbol, "-")
	switch len(parts) {
	case 1:
		return ParsedSymbol{Underlying: parts[0], Product: match.ProductSpot}, nil
	case 2:
		if parts[1] == "PERP" {
			return ParsedSymbol{Underlying: parts[0], Product: match.ProductPerp}, nil
		}
		return ParsedSymbol{Underlying: parts[0], Product: match.ProductFuture, ExpiryDate: parts[1]}, nil
	case 4:
		strike, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return ParsedSymbol{}, ErrBadSymbol
		}
		kind := match.OptionKind(parts[3])
		if kind != match.OptionCall && kind != match.OptionPut {
			return ParsedSymbol{}, ErrBadSymbol
		}
		return ParsedSymbol{
			Underlying: parts[0],
			Product:    match.ProductOption,
			ExpiryDate: parts[1],
			Strike:     strike,
			Kind:       kind,
		}, nil
	default:
		return ParsedSymbol{}, ErrBadSymbol
	}
}

// =============================================================================
// 缺省规格
// =============================================================================

// 标的现货对未配置时的兜底参数 (定点 1e8)
const (
	DefaultTickSize = match.Precision / 100 // 0.01
	DefaultLotSize  = match.Precision / 10  // 0.1
)

// deriveMeta 基于标的现货对的规格生成衍生品 Meta
// tick/lot 继承标的对的产品缺省值
func deriveMeta(symbol string, order *match.Order, underlying *Meta, nowMs int64) *Meta {
	m := &Meta{
		Symbol:     symbol,
		Mode:       underlying.Mode,
		Type:       order.Product,
		BaseAsset:  underlying.BaseAsset,
		QuoteAsset: underlying.QuoteAsset,
		TickSize:   underlying.TickSize,
		LotSize:    underlying.LotSize,
		Status:     StatusActive,
		ExpiryTs:   order.ExpiryTs,
		Strike:     order.Strike,
		OptionKind: order.OptionKind,
		Underlying: underlying.Symbol,
		CreatedAt:  nowMs,
		UpdatedAt:  nowMs,
	}
	if m.TickSize == 0 {
		m.TickSize = DefaultTickSize
	}
	if m.LotSize == 0 {
		m.LotSize = DefaultLotSize
	}
	return m
}
