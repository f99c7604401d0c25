package sqlite

import (
	"io"
	"log/slog"
	"testing"
)

func NewSQLiteTest(t *testing.T) *Store {
	t.Helper()
	st, err := NewInMemory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
