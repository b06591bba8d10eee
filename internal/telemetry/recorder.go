package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink 下游指标接收方（internal/metrics.Collector 满足该接口）
type Sink interface {
	RecordWorkflowRun(status string, duration time.Duration)
	RecordNodeExecution(nodeType, status string, duration time.Duration)
	RecordCommunication(mode, kind string)
	RecordLLMRequest(provider, model, status string, cached bool, duration time.Duration, promptTokens, completionTokens int)
	RecordCacheLookup(layer string, hit bool)
	RecordBusMessage(direction, msgType string)
	RecordTask(status string)
}

// Recorder 在转发给 Sink 的同时，把运行耗时、节点耗时与 token 用量
// 记为 OTel 指标，随 OTLP 导出
type Recorder struct {
	next Sink

	runDuration  metric.Float64Histogram
	nodeDuration metric.Float64Histogram
	llmTokens    metric.Int64Counter
}

// NewRecorder 使用给定 meter 创建仪表；创建失败的仪表退化为 noop
func NewRecorder(next Sink, meter metric.Meter) *Recorder {
	r := &Recorder{next: next}
	r.runDuration, _ = meter.Float64Histogram("nodeflow.workflow.run.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Workflow run duration"))
	r.nodeDuration, _ = meter.Float64Histogram("nodeflow.workflow.node.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Node execution duration"))
	r.llmTokens, _ = meter.Int64Counter("nodeflow.llm.tokens",
		metric.WithUnit("{token}"),
		metric.WithDescription("Tokens consumed by upstream LLM calls"))
	return r
}

func (r *Recorder) RecordWorkflowRun(status string, d time.Duration) {
	if r.runDuration != nil {
		r.runDuration.Record(context.Background(), d.Seconds(),
			metric.WithAttributes(attribute.String("status", status)))
	}
	r.next.RecordWorkflowRun(status, d)
}

func (r *Recorder) RecordNodeExecution(nodeType, status string, d time.Duration) {
	if r.nodeDuration != nil {
		r.nodeDuration.Record(context.Background(), d.Seconds(),
			metric.WithAttributes(attribute.String("node_type", nodeType), attribute.String("status", status)))
	}
	r.next.RecordNodeExecution(nodeType, status, d)
}

func (r *Recorder) RecordCommunication(mode, kind string) {
	r.next.RecordCommunication(mode, kind)
}

func (r *Recorder) RecordLLMRequest(provider, model, status string, cached bool, d time.Duration, promptTokens, completionTokens int) {
	if r.llmTokens != nil && !cached {
		attrs := []attribute.KeyValue{attribute.String("provider", provider), attribute.String("model", model)}
		r.llmTokens.Add(context.Background(), int64(promptTokens),
			metric.WithAttributes(append(attrs, attribute.String("type", "prompt"))...))
		r.llmTokens.Add(context.Background(), int64(completionTokens),
			metric.WithAttributes(append(attrs, attribute.String("type", "completion"))...))
	}
	r.next.RecordLLMRequest(provider, model, status, cached, d, promptTokens, completionTokens)
}

func (r *Recorder) RecordCacheLookup(layer string, hit bool) {
	r.next.RecordCacheLookup(layer, hit)
}

func (r *Recorder) RecordBusMessage(direction, msgType string) {
	r.next.RecordBusMessage(direction, msgType)
}

func (r *Recorder) RecordTask(status string) {
	r.next.RecordTask(status)
}
