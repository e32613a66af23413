package admission

import (
	"errors"
	"testing"

	"github.com/vdo-kvdo/kvdo-front/internal/interfaces"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		req       interfaces.Request
		delegated bool
		want      interfaces.Route
		wantErr   bool
	}{
		{"read", interfaces.Request{Operation: interfaces.OpRead, PayloadSize: 4096}, false, interfaces.RouteData, false},
		{"write", interfaces.Request{Operation: interfaces.OpWrite, PayloadSize: 8192}, false, interfaces.RouteData, false},
		{"discard", interfaces.Request{Operation: interfaces.OpDiscard, PayloadSize: 4096}, false, interfaces.RouteDiscard, false},
		{"flush own", interfaces.Request{Operation: interfaces.OpFlush}, false, interfaces.RouteFlushOwn, false},
		{"flush delegated", interfaces.Request{Operation: interfaces.OpFlush}, true, interfaces.RouteFlushPassthrough, false},
		{"preflush write own", interfaces.Request{Operation: interfaces.OpWrite, PreFlush: true}, false, interfaces.RouteFlushOwn, false},
		{"preflush delegated", interfaces.Request{Operation: interfaces.OpWrite, PreFlush: true}, true, interfaces.RouteFlushPassthrough, false},
		{"unknown op", interfaces.Request{Operation: interfaces.Operation(42), PayloadSize: 4096}, false, 0, true},
		{"flush with payload", interfaces.Request{Operation: interfaces.OpFlush, PayloadSize: 512}, false, 0, true},
		{"preflush with payload", interfaces.Request{Operation: interfaces.OpWrite, PreFlush: true, PayloadSize: 512}, false, 0, true},
		{"empty write", interfaces.Request{Operation: interfaces.OpWrite}, false, 0, true},
		{"empty read", interfaces.Request{Operation: interfaces.OpRead}, false, 0, true},
		{"empty discard", interfaces.Request{Operation: interfaces.OpDiscard}, false, 0, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			route, err := Classify(&c.req, c.delegated)
			if c.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("Expected ErrInvalidRequest, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if route != c.want {
				t.Errorf("Expected route %s, got %s", c.want, route)
			}
		})
	}
}
