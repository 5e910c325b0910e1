// 文件: pkg/alert/alert.go
// 运维告警
//
// 记账漂移、结算死信、穿仓这类事件不能只留在日志里，
// 这里统一上报到可插拔的 Sink。缺省只打日志；
// 生产环境换 Redis Sink，值班面板从队列里读。

package alert

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// Severity 告警级别
type Severity string

const (
	SevWarn     Severity = "WARN"
	SevCritical Severity = "CRITICAL" // 需要人工介入
)

// Event 一条告警
type Event struct {
	Severity  Severity `json:"severity"`
	Component string   `json:"component"`
	Message   string   `json:"message"`
	At        int64    `json:"at"` // Unix 毫秒
}

// Sink 告警出口
type Sink interface {
	Notify(Event)
}

// =============================================================================
// 缺省出口: 日志
// =============================================================================

// LogSink 只打日志
type LogSink struct{}

func (LogSink) Notify(e Event) {
	log.Printf("[%s] [%s] %s", e.Severity, e.Component, e.Message)
}

// =============================================================================
// 包级入口
// =============================================================================

// sinkBox 统一 atomic.Value 里的具体类型，避免存不同 Sink 实现时 panic
type sinkBox struct{ s Sink }

var sink atomic.Value // sinkBox

func init() {
	sink.Store(sinkBox{LogSink{}})
}

// SetSink 替换全局告警出口
func SetSink(s Sink) {
	sink.Store(sinkBox{s})
}

func notify(sev Severity, component, format string, args ...any) {
	sink.Load().(sinkBox).s.Notify(Event{
		Severity:  sev,
		Component: component,
		Message:   fmt.Sprintf(format, args...),
		At:        time.Now().UnixMilli(),
	})
}

// Critical 上报需要人工介入的事件
func Critical(component, format string, args ...any) {
	notify(SevCritical, component, format, args...)
}

// Warn 上报需要关注的事件
func Warn(component, format string, args ...any) {
	notify(SevWarn, component, format, args...)
}
