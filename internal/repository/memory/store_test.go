package memory

import (
	"context"
	"errors"
	"testing"
)

type item struct {
	id  string
	val int
}

func TestStore_UpdateAppliesUnderLock(t *testing.T) {
	s := New(func(i *item) string { return i.id })
	ctx := context.Background()
	_ = s.Set(ctx, &item{id: "a", val: 1})

	err := s.Update(ctx, "a", func(i *item) (*item, error) {
		return &item{id: i.id, val: i.val + 1}, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.Get(ctx, "a")
	if got.val != 2 {
		t.Errorf("expected 2, got %d", got.val)
	}

	boom := errors.New("boom")
	if err := s.Update(ctx, "a", func(*item) (*item, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("expected fn error, got %v", err)
	}
	got, _ = s.Get(ctx, "a")
	if got == nil || got.val != 2 {
		t.Errorf("failed update must not replace the value")
	}
	if err := s.Update(ctx, "missing", func(i *item) (*item, error) { return i, nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_WithCloneIsolates(t *testing.T) {
	s := New(func(i *item) string { return i.id }).WithClone(func(i *item) *item {
		cp := *i
		return &cp
	})
	ctx := context.Background()
	in := &item{id: "a", val: 1}
	_ = s.Set(ctx, in)
	in.val = 99

	got, _ := s.Get(ctx, "a")
	if got.val != 1 {
		t.Errorf("expected stored copy, got %d", got.val)
	}
	if s.Len() != 1 || !s.Has(ctx, "a") {
		t.Errorf("expected one stored value")
	}
}
