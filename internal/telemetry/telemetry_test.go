package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestInitDisabledReturnsNoopProvider(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Enabled() {
		t.Fatal("expected a disabled provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on disabled provider: %v", err)
	}
}

func TestZeroValueProviderStartSpanDoesNotPanic(t *testing.T) {
	var p *Provider
	ctx, end := p.StartSpan(context.Background(), "op")
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
	end(nil)
	end(errors.New("boom"))
}

func TestStartSpanRunsEndCallbackOnError(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, end := p.StartSpan(context.Background(), "durable.Wrap:test")
	end(errors.New("synthetic failure"))
}
