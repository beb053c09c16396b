// Package e2e verifies the binary-level behaviour that unit tests cannot:
// span export over a real OTLP gRPC connection.
package e2e

import (
	"context"
	"net"
	"sync"
	"testing"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

// traceCollector is an in-process OTLP trace receiver backed by a real gRPC
// server, so the exporter path is exercised end to end.
type traceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	mu            sync.Mutex
	resourceSpans []*tracepb.ResourceSpans
	notify        chan struct{}
}

// startTraceCollector starts the receiver on an ephemeral port and returns
// its address. The server is torn down with the test.
func startTraceCollector(t *testing.T) (*traceCollector, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start OTLP listener: %v", err)
	}

	collector := &traceCollector{notify: make(chan struct{}, 1)}

	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)

	go func() {
		_ = server.Serve(lis)
	}()

	t.Cleanup(func() {
		server.Stop()
		_ = lis.Close()
	})

	return collector, lis.Addr().String()
}

// Export implements the OTLP trace service.
func (c *traceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	c.mu.Lock()
	c.resourceSpans = append(c.resourceSpans, req.ResourceSpans...)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}

	return &collectortrace.ExportTraceServiceResponse{}, nil
}

// WaitForSpans blocks until at least minSpans spans arrived or the context
// expires, returning whatever was collected.
func (c *traceCollector) WaitForSpans(ctx context.Context, minSpans int) []*tracepb.Span {
	for {
		c.mu.Lock()
		spans := flattenSpans(c.resourceSpans)
		c.mu.Unlock()
		if len(spans) >= minSpans {
			return spans
		}

		select {
		case <-ctx.Done():
			return spans
		case <-c.notify:
		}
	}
}

func flattenSpans(resSpans []*tracepb.ResourceSpans) []*tracepb.Span {
	var spans []*tracepb.Span
	for _, rs := range resSpans {
		for _, scope := range rs.ScopeSpans {
			spans = append(spans, scope.Spans...)
		}
	}
	return spans
}

// spanAttribute returns the string value of an attribute, or "" when absent.
func spanAttribute(span *tracepb.Span, key string) string {
	for _, attr := range span.Attributes {
		if attr.Key == key {
			return attr.Value.GetStringValue()
		}
	}
	return ""
}
