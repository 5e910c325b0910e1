// 文件: pkg/settle/pipeline.go
// 链上结算管道
//
// 【核心职责】
// 撮合产生的 fill 先落在本地结算队列 (outbox)，这里批量取出、
// 提交给链上结算器、拿到回执后标记成交已结算并出队。
//
// 【失败语义】
// - 提交失败: 整批回退 NEW，下个周期重试，成交绝不标记已结算
// - 重试耗尽: 移入死信区 + CRITICAL 告警，等待人工对账，不再占用管道
// - 进程崩溃: SENT 超时后回退重试，提交按 TradeID 幂等，重复无害

package settle

import (
	"context"
	"log"
	"sync"
	"time"

	"dex.com/pkg/alert"
	"dex.com/pkg/match"
)

// Submitter 链上结算提交器
// 实现方按 TradeID 去重，同一批次重复提交幂等
type Submitter interface {
	// SubmitBatch 提交一批成交，返回链上回执引用
	SubmitBatch(ctx context.Context, fills []match.Fill) (txRef string, err error)
}

// =============================================================================
// PipelineConfig
// =============================================================================

// PipelineConfig 结算管道配置
type PipelineConfig struct {
	Interval    time.Duration // 扫描周期
	BatchSize   int           // 单批最大 fill 数
	MaxAttempts int           // 死信前最大提交次数
	SentTimeout time.Duration // SENT 卡滞回退阈值
}

// DefaultPipelineConfig 默认配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Interval:    2 * time.Second,
		BatchSize:   100,
		MaxAttempts: 8,
		SentTimeout: 30 * time.Second,
	}
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline 结算管道
type Pipeline struct {
	config    PipelineConfig
	store     *match.BookStore
	submitter Submitter

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewPipeline 创建结算管道
func NewPipeline(config PipelineConfig, store *match.BookStore, submitter Submitter) *Pipeline {
	return &Pipeline{
		config:    config,
		store:     store,
		submitter: submitter,
		stopCh:    make(chan struct{}),
	}
}

// Start 启动后台结算循环
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.runLoop(ctx)
}

// Stop 停止管道
func (p *Pipeline) Stop() {
	p.stopped.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pipeline) runLoop(ctx context.Context) {
	defer p.wg.Done()

	// 启动先回收上次崩溃遗留的 SENT
	if err := p.recoverStuck(); err != nil {
		log.Printf("[Settle] recover stuck fills failed: %v", err)
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			// 每轮先回收超时 SENT: 提交成功但确认失败的批次靠这里重新入队
			if err := p.recoverStuck(); err != nil {
				log.Printf("[Settle] recover stuck fills failed: %v", err)
			}
			if n, err := p.RunOnce(ctx); err != nil {
				log.Printf("[Settle] settlement round failed: %v", err)
			} else if n > 0 {
				log.Printf("[Settle] settled %d fills", n)
			}
		}
	}
}

// RunOnce 执行一轮结算，返回确认结算的 fill 数
func (p *Pipeline) RunOnce(ctx context.Context) (int, error) {
	recs, err := p.store.ScanFills(match.FillStateNew, p.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	// 重试耗尽的移入死信区，剩下的进入本轮批次
	var batch, dead []match.FillRecord
	for _, rec := range recs {
		if rec.Attempts >= p.config.MaxAttempts {
			dead = append(dead, rec)
		} else {
			batch = append(batch, rec)
		}
	}
	if len(dead) > 0 {
		if err := p.store.DeadLetterFills(dead); err != nil {
			return 0, err
		}
		for _, rec := range dead {
			alert.Critical("Settle", "fill dead-lettered after %d attempts: trade=%d market=%s",
				rec.Attempts, rec.Fill.TradeID, rec.Fill.Market)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	// 先落 SENT 再提交: 崩溃窗口内只会多提交，不会漏提交
	if err := p.store.MarkFillsSent(batch); err != nil {
		return 0, err
	}

	fills := make([]match.Fill, len(batch))
	for i := range batch {
		fills[i] = batch[i].Fill
	}
	txRef, err := p.submitter.SubmitBatch(ctx, fills)
	if err != nil {
		// 提交失败整批回退，成交保持未结算
		log.Printf("[Settle] submit batch of %d failed (attempt will retry): %v", len(batch), err)
		if reqErr := p.store.RequeueFills(batch); reqErr != nil {
			alert.Critical("Settle", "requeue after failed submit also failed: %v", reqErr)
			return 0, reqErr
		}
		return 0, err
	}

	// 确认: 置 Settled + 回执引用 + 出队，单个原子批
	if err := p.store.AckFills(batch, txRef); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// recoverStuck 回退超时未确认的 SENT 记录
func (p *Pipeline) recoverStuck() error {
	recs, err := p.store.ScanFills(match.FillStateSent, 0)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-p.config.SentTimeout).UnixNano()
	var stuck []match.FillRecord
	for _, rec := range recs {
		if rec.LastAttempt < cutoff {
			stuck = append(stuck, rec)
		}
	}
	if len(stuck) == 0 {
		return nil
	}
	log.Printf("[Settle] requeueing %d stuck fills", len(stuck))
	return p.store.RequeueFills(stuck)
}
