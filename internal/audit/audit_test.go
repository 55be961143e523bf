package audit

import (
	"context"
	"testing"
)

func TestSQLiteSinkRoundTrip(t *testing.T) {
	sink, err := OpenSQLiteSink(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteSink: %v", err)
	}
	defer sink.Close()

	sink.Emit(context.Background(), Event{
		Severity: SeverityWarning,
		Name:     "filter.blacklisted",
		Message:  "ip crossed treshold",
		IP:       "1.2.3.4",
		Fields:   map[string]any{"queue": "general"},
	})

	entries, err := sink.Recent("", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].IP != "1.2.3.4" {
		t.Errorf("IP = %q, want 1.2.3.4", entries[0].IP)
	}
}

func TestMultiFansOut(t *testing.T) {
	var aCalled, bCalled bool
	a := sinkFunc(func(ctx context.Context, ev Event) { aCalled = true })
	b := sinkFunc(func(ctx context.Context, ev Event) { bCalled = true })

	Multi(a, b).Emit(context.Background(), Event{Name: "test"})

	if !aCalled || !bCalled {
		t.Errorf("Multi did not fan out to both sinks: a=%v b=%v", aCalled, bCalled)
	}
}

type sinkFunc func(ctx context.Context, ev Event)

func (f sinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }
