// 文件: pkg/match/keycodec.go
// 订单簿排序键编解码
//
// 【核心设计】
// 订单簿存储在一个扁平 KV 上，撮合优先级完全由 key 的字节序表达:
// 同一市场同一方向下，字典序最小的 key 就是最优订单。
//
// 规则:
// - 价格编码为固定宽度 20 位十进制 (定点 int64，8 位小数精度)
// - 买盘价格取九进制补数 (10^20-1 - price)，使字典序升序 = 价格降序
// - 价格相同时按时间戳升序 (时间优先)，时间戳相同按订单 ID 升序
//
// 编码是纯函数且完全可逆，DecodeBookKey(EncodeBookKey(x)) == x

package match

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// 宽度常量
// =============================================================================

const (
	priceWidth = 20 // int64 最大 19 位，补一位零头
	tsWidth    = 19 // Unix 纳秒
	idWidth    = 19 // 雪花 ID
)

// key 空间前缀
const (
	prefixBook     = "ob/" // 活跃订单簿: ob/{market}/{side}/{price}/{ts}/{id}
	prefixTrade    = "tr/" // 成交记录:   tr/{market}/{ts}/{tradeID}
	prefixPosition = "ps/" // 持仓记录:   ps/{market}/{userID}
	prefixFill     = "sf/" // 结算队列:   sf/{tradeID}
	prefixDead     = "dl/" // 死信队列:   dl/{tradeID}
)

var (
	ErrBadKey = errors.New("malformed book key")
)

// =============================================================================
// BookKey - 解码结果
// =============================================================================

// BookKey 排序键的各组成部分
type BookKey struct {
	Market  string
	Side    Side
	Price   int64
	Ts      int64
	OrderID int64
}

// =============================================================================
// 编码
// =============================================================================

// EncodeBookKey 生成订单的排序键
// 买盘: 价格取补，高价在前; 卖盘: 价格原样，低价在前
func EncodeBookKey(market string, side Side, price, ts, orderID int64) []byte {
	var b strings.Builder
	b.Grow(len(prefixBook) + len(market) + priceWidth + tsWidth + idWidth + 8)

	b.WriteString(prefixBook)
	b.WriteString(market)
	b.WriteByte('/')
	b.WriteByte(sideByte(side))
	b.WriteByte('/')
	b.WriteString(encodePrice(side, price))
	b.WriteByte('/')
	fmt.Fprintf(&b, "%0*d", tsWidth, ts)
	b.WriteByte('/')
	fmt.Fprintf(&b, "%0*d", idWidth, orderID)

	return []byte(b.String())
}

// BookSidePrefix 某市场某方向的 key 范围前缀
// 该前缀下的第一个 key 即该方向的最优订单
func BookSidePrefix(market string, side Side) []byte {
	return []byte(prefixBook + market + "/" + string(sideByte(side)) + "/")
}

// encodePrice 定宽价格编码
func encodePrice(side Side, price int64) string {
	s := fmt.Sprintf("%0*d", priceWidth, price)
	if side == SideBuy {
		return complement(s)
	}
	return s
}

// complement 九进制补数: (10^W - 1) - price，逐位 '9'-digit 实现
func complement(s string) string {
	b := []byte(s)
	for i := range b {
		b[i] = '9' - b[i] + '0'
	}
	return string(b)
}

func sideByte(side Side) byte {
	if side == SideBuy {
		return 'B'
	}
	return 'S'
}

// =============================================================================
// 解码
// =============================================================================

// DecodeBookKey 从排序键还原市场/方向/价格/时间/订单 ID
// 成交记录构造时需要反查 maker 的原始参数
func DecodeBookKey(key []byte) (BookKey, error) {
	s := string(key)
	if !strings.HasPrefix(s, prefixBook) {
		return BookKey{}, ErrBadKey
	}
	s = s[len(prefixBook):]

	// 从后往前拆: 市场名可能包含 '-'，但不包含 '/'
	parts := strings.Split(s, "/")
	if len(parts) != 5 {
		return BookKey{}, ErrBadKey
	}
	market, sideStr, priceStr, tsStr, idStr := parts[0], parts[1], parts[2], parts[3], parts[4]

	var side Side
	switch sideStr {
	case "B":
		side = SideBuy
	case "S":
		side = SideSell
	default:
		return BookKey{}, ErrBadKey
	}

	if side == SideBuy {
		priceStr = complement(priceStr)
	}
	price, err := strconv.ParseInt(priceStr, 10, 64)
	if err != nil {
		return BookKey{}, ErrBadKey
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return BookKey{}, ErrBadKey
	}
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return BookKey{}, ErrBadKey
	}

	return BookKey{
		Market:  market,
		Side:    side,
		Price:   price,
		Ts:      ts,
		OrderID: orderID,
	}, nil
}

// =============================================================================
// 其他 key 空间
// =============================================================================

// TradeKey 成交记录 key，按市场 + 成交时间排序
func TradeKey(market string, ts, tradeID int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%0*d/%0*d", prefixTrade, market, tsWidth, ts, idWidth, tradeID))
}

// TradePrefix 某市场全部成交的范围前缀
func TradePrefix(market string) []byte {
	return []byte(prefixTrade + market + "/")
}

// PositionKey 持仓 key
func PositionKey(market string, userID int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%0*d", prefixPosition, market, idWidth, userID))
}

// PositionPrefix 某市场全部持仓的范围前缀
func PositionPrefix(market string) []byte {
	return []byte(prefixPosition + market + "/")
}

// FillKey 结算队列 key (全局按 tradeID 排序)
func FillKey(tradeID int64) []byte {
	return []byte(fmt.Sprintf("%s%0*d", prefixFill, idWidth, tradeID))
}

// DeadLetterKey 死信 key
func DeadLetterKey(tradeID int64) []byte {
	return []byte(fmt.Sprintf("%s%0*d", prefixDead, idWidth, tradeID))
}

// prefixUpperBound 前缀范围的上界 (末字节 +1)
// pebble 迭代器的 UpperBound 是开区间
func prefixUpperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xff {
			ub[i]++
			return ub[:i+1]
		}
	}
	return nil
}
