package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/zinnnn37/loglens/pkg/trace"
)

func TestGraphSenderSendsOnce(t *testing.T) {
	var calls atomic.Int32
	var got GraphPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode graph: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	emitter, err := NewEmitter(server.URL, "t", server.Client())
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	sender := NewGraphSender("proj-1", "shop", emitter, nil)

	sender.ObserveComponent("OrderController", "class", trace.Facts{Marker: trace.MarkerController})
	sender.ObserveComponent("OrderService", "class", trace.Facts{Marker: trace.MarkerService})
	sender.ObserveCall("OrderController", "OrderService")
	sender.ObserveCall("OrderController", "OrderService") // duplicate collapses
	sender.ObserveCall("OrderService", "OrderService")    // self edge ignored
	sender.ObserveDatabase("postgres")

	sender.Send(context.Background())
	sender.Send(context.Background())

	if calls.Load() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls.Load())
	}
	if got.ProjectName != "shop" {
		t.Fatalf("unexpected project name %q", got.ProjectName)
	}
	if len(got.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(got.Components))
	}
	if got.Components[0].Name != "OrderController" {
		t.Fatal("expected components sorted by name")
	}
	if len(got.Dependencies) != 1 {
		t.Fatalf("expected 1 deduplicated edge, got %d", len(got.Dependencies))
	}
	if len(got.Databases) != 1 || got.Databases[0] != "postgres" {
		t.Fatalf("unexpected databases %v", got.Databases)
	}
}

func TestGraphSenderSwallowsDeliveryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	emitter, err := NewEmitter(server.URL, "t", server.Client())
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	sender := NewGraphSender("proj-1", "shop", emitter, nil)
	sender.ObserveComponent("A", "class", trace.Facts{})

	// Must not panic or return an error to the caller.
	sender.Send(context.Background())
}
