package storage

import (
	"context"
	"strings"
	"testing"
)

func TestRegister_PanicsOnBadInput(t *testing.T) {
	tests := []struct {
		name string
		kind string
		f    factory
	}{
		{"empty_kind", "", func(context.Context, Config) (Warehouse, error) { return nil, nil }},
		{"nil_factory", "x-nil", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			Register(tc.kind, tc.f)
		})
	}
}

func TestOpen_DefaultsSchemaAndRejectsUnknownKind(t *testing.T) {
	var got Config
	Register("test-open", func(_ context.Context, cfg Config) (Warehouse, error) {
		got = cfg
		return nil, nil
	})

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register must panic")
		}
	}()

	if _, err := Open(context.Background(), Config{Kind: "test-open", DSN: "x"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.Schema != DefaultSchema || got.DSN != "x" {
		t.Fatalf("got=%+v", got)
	}

	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	_, err := Open(context.Background(), Config{Kind: "nope"})
	if err == nil || !strings.Contains(err.Error(), "unsupported storage.kind=nope") {
		t.Fatalf("err=%v", err)
	}

	Register("test-open", func(context.Context, Config) (Warehouse, error) { return nil, nil })
}
