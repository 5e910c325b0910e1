// 文件: cmd/mdtail/main.go
// 行情流查看工具: 订阅 NATS 行情推送并打印到终端
//
// 用法:
//
//	mdtail                        # 全市场
//	mdtail -market BTC_USDT       # 单市场
//	mdtail -trades-only
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	natsx "dex.com/pkg/nats"
)

func main() {
	natsURL := flag.String("nats", "nats://127.0.0.1:4222", "NATS 地址")
	market := flag.String("market", "", "市场符号，空为全市场")
	tradesOnly := flag.Bool("trades-only", false, "只看成交流")
	flag.Parse()

	sub, err := natsx.NewFeedSubscriber(*natsURL)
	if err != nil {
		log.Fatalf("[MDTail] connect: %v", err)
	}
	defer sub.Close()

	err = sub.SubscribeTrades(*market, func(t natsx.TradeMsg) {
		log.Printf("[MDTail] TRADE %s id=%d price=%d qty=%d", t.Market, t.TradeID, t.Price, t.Qty)
	})
	if err != nil {
		log.Fatalf("[MDTail] subscribe trades: %v", err)
	}

	if !*tradesOnly {
		err = sub.SubscribeOrders(*market, func(o natsx.OrderMsg) {
			log.Printf("[MDTail] %s %s id=%d side=%s price=%d remaining=%d",
				o.Event, o.Market, o.OrderID, o.Side, o.Price, o.Remaining)
		})
		if err != nil {
			log.Fatalf("[MDTail] subscribe orders: %v", err)
		}
	}

	log.Printf("[MDTail] tailing market data (ctrl-c to quit)")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
