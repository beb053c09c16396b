package telemetry

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// deniedDetailKeys lists detail-map keys that may carry candidate text or
// generation instructions. They never leave the process as span attributes;
// the audit trail is the only place full fidelity lives.
var deniedDetailKeys = map[string]struct{}{
	"text":        {},
	"prompt":      {},
	"replacement": {},
	"output":      {},
}

// maxDetailAttrLen caps exported attribute values so a pathological detail
// entry cannot bloat spans.
const maxDetailAttrLen = 256

// RecordConstraintOutcome annotates an invocation span with the outcome of a
// single constraint application. Only identifiers, hashes and classifications
// are attached; the candidate text itself never reaches the span.
func RecordConstraintOutcome(span trace.Span, constraintID, kind, action string, changed bool, inputHash, outputHash string, duration time.Duration) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("constraint.id", constraintID),
		attribute.String("constraint.kind", kind),
		attribute.String("constraint.action", action),
		attribute.Bool("constraint.changed", changed),
		attribute.String("text.input_hash", inputHash),
		attribute.String("text.output_hash", outputHash),
		attribute.Int64("constraint.duration_ms", duration.Milliseconds()),
	)
}

// RecordRejection attaches a rejection event to the span so traces show
// where a run was stopped even when the span tree is sampled shallowly.
func RecordRejection(span trace.Span, constraintID, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("constraint.id", constraintID),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("rejection.reason", truncateAttr(reason)))
	}
	span.AddEvent("constraint.rejected", trace.WithAttributes(attrs...))
}

// DetailAttributes converts a constraint detail map into span attributes
// under the given prefix, applying the text deny-list and value caps.
func DetailAttributes(prefix string, detail map[string]any) []attribute.KeyValue {
	if len(detail) == 0 {
		return nil
	}

	attrs := make([]attribute.KeyValue, 0, len(detail))
	for key, value := range detail {
		if _, denied := deniedDetailKeys[key]; denied {
			continue
		}

		name := prefix + "." + key
		switch v := value.(type) {
		case string:
			attrs = append(attrs, attribute.String(name, truncateAttr(v)))
		case bool:
			attrs = append(attrs, attribute.Bool(name, v))
		case int:
			attrs = append(attrs, attribute.Int(name, v))
		case int64:
			attrs = append(attrs, attribute.Int64(name, v))
		case float64:
			attrs = append(attrs, attribute.Float64(name, v))
		default:
			attrs = append(attrs, attribute.String(name, truncateAttr(fmt.Sprintf("%v", v))))
		}
	}
	return attrs
}

func truncateAttr(s string) string {
	if len(s) <= maxDetailAttrLen {
		return s
	}
	return s[:maxDetailAttrLen] + "..."
}
