package kv_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/kv"
)

type factory struct {
	name string
	open func(t *testing.T, opts *kv.Options) kv.Store
}

func newMemoryStore(t *testing.T, opts *kv.Options) kv.Store {
	t.Helper()
	s := kv.NewMemory(opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func newBadgerStore(t *testing.T, opts *kv.Options) kv.Store {
	t.Helper()
	s, err := kv.NewBadger(kv.BadgerOptions{Options: opts, InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs fn once per Store implementation.
func backends(t *testing.T, fn func(t *testing.T, open func(*testing.T, *kv.Options) kv.Store)) {
	for _, f := range []factory{
		{"memory", newMemoryStore},
		{"badger", newBadgerStore},
	} {
		t.Run(f.name, func(t *testing.T) { fn(t, f.open) })
	}
}

func listKeys(t *testing.T, s kv.Store, prefix kv.Key) []string {
	t.Helper()
	var got []string
	for e, err := range s.List(context.Background(), prefix) {
		if err != nil {
			t.Fatalf("List %v: %v", prefix, err)
		}
		got = append(got, e.Key.String())
	}
	return got
}

func TestGetSetDelete(t *testing.T) {
	backends(t, func(t *testing.T, open func(*testing.T, *kv.Options) kv.Store) {
		ctx := context.Background()
		s := open(t, nil)
		key := kv.Key{"tiles", "tile", "2_1_3_b2"}

		if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.Set(ctx, key, []byte("v1")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Set(ctx, key, []byte("v2")); err != nil {
			t.Fatalf("Set overwrite: %v", err)
		}
		got, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got) != "v2" {
			t.Fatalf("Get = %q, want v2", got)
		}
		if err := s.Delete(ctx, key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, kv.Key{"no", "such"}); err != nil {
			t.Fatalf("Delete absent: %v", err)
		}
	})
}

func TestListPrefixBoundary(t *testing.T) {
	backends(t, func(t *testing.T, open func(*testing.T, *kv.Options) kv.Store) {
		ctx := context.Background()
		s := open(t, nil)
		err := s.BatchSet(ctx, []kv.Entry{
			{Key: kv.Key{"tiles", "tile", "1_0_0_b1"}, Value: []byte("a")},
			{Key: kv.Key{"tiles", "tile", "0_0_0_b0"}, Value: []byte("b")},
			{Key: kv.Key{"tiles", "tiles", "x"}, Value: []byte("no")},
			{Key: kv.Key{"tiles", "meta", "graph_version"}, Value: []byte("v")},
		})
		if err != nil {
			t.Fatalf("BatchSet: %v", err)
		}

		got := listKeys(t, s, kv.Key{"tiles", "tile"})
		want := []string{"tiles:tile:0_0_0_b0", "tiles:tile:1_0_0_b1"}
		if !slices.Equal(got, want) {
			t.Fatalf("List = %v, want %v", got, want)
		}
		if n := len(listKeys(t, s, nil)); n != 4 {
			t.Fatalf("List all = %d entries, want 4", n)
		}
	})
}

func TestListEarlyStop(t *testing.T) {
	backends(t, func(t *testing.T, open func(*testing.T, *kv.Options) kv.Store) {
		ctx := context.Background()
		s := open(t, nil)
		for _, k := range []string{"a", "b", "c"} {
			if err := s.Set(ctx, kv.Key{"p", k}, []byte(k)); err != nil {
				t.Fatalf("Set: %v", err)
			}
		}
		n := 0
		for _, err := range s.List(ctx, kv.Key{"p"}) {
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			n++
			if n == 2 {
				break
			}
		}
		if n != 2 {
			t.Fatalf("iterated %d, want 2", n)
		}
	})
}

func TestBatchGet(t *testing.T) {
	backends(t, func(t *testing.T, open func(*testing.T, *kv.Options) kv.Store) {
		ctx := context.Background()
		s := open(t, nil)
		if err := s.Set(ctx, kv.Key{"t", "1"}, []byte("one")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Set(ctx, kv.Key{"t", "3"}, []byte("three")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := s.BatchGet(ctx, []kv.Key{{"t", "1"}, {"t", "2"}, {"t", "3"}})
		if err != nil {
			t.Fatalf("BatchGet: %v", err)
		}
		if len(got) != 2 || string(got["t:1"]) != "one" || string(got["t:3"]) != "three" {
			t.Fatalf("BatchGet = %v", got)
		}
		if _, ok := got["t:2"]; ok {
			t.Fatalf("BatchGet returned missing key")
		}
	})
}

func TestBatchDeleteAndDeletePrefix(t *testing.T) {
	backends(t, func(t *testing.T, open func(*testing.T, *kv.Options) kv.Store) {
		ctx := context.Background()
		s := open(t, nil)
		err := s.BatchSet(ctx, []kv.Entry{
			{Key: kv.Key{"tiles", "tile", "a"}, Value: []byte("1")},
			{Key: kv.Key{"tiles", "tile", "b"}, Value: []byte("2")},
			{Key: kv.Key{"tiles", "tile", "c"}, Value: []byte("3")},
			{Key: kv.Key{"tiles", "base", "current"}, Value: []byte("4")},
		})
		if err != nil {
			t.Fatalf("BatchSet: %v", err)
		}
		if err := s.BatchDelete(ctx, []kv.Key{{"tiles", "tile", "a"}}); err != nil {
			t.Fatalf("BatchDelete: %v", err)
		}
		n, err := s.DeletePrefix(ctx, kv.Key{"tiles", "tile"})
		if err != nil {
			t.Fatalf("DeletePrefix: %v", err)
		}
		if n != 2 {
			t.Fatalf("DeletePrefix removed %d, want 2", n)
		}
		if got := listKeys(t, s, kv.Key{"tiles"}); !slices.Equal(got, []string{"tiles:base:current"}) {
			t.Fatalf("remaining = %v", got)
		}
	})
}

func TestCustomSeparator(t *testing.T) {
	backends(t, func(t *testing.T, open func(*testing.T, *kv.Options) kv.Store) {
		ctx := context.Background()
		s := open(t, &kv.Options{Separator: '/'})
		// ':' is ordinary data with a '/' separator.
		key := kv.Key{"meta", "a:b"}
		if err := s.Set(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got := listKeys(t, s, kv.Key{"meta"})
		if len(got) != 1 || got[0] != "meta:a:b" {
			t.Fatalf("List = %v", got)
		}
	})
}

func TestValueIsolation(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t, nil)
	buf := []byte("abc")
	if err := s.Set(ctx, kv.Key{"k"}, buf); err != nil {
		t.Fatalf("Set: %v", err)
	}
	buf[0] = 'X'
	got, _ := s.Get(ctx, kv.Key{"k"})
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", got)
	}
	got[1] = 'Y'
	again, _ := s.Get(ctx, kv.Key{"k"})
	if string(again) != "abc" {
		t.Fatalf("returned value aliased store: %q", again)
	}
}

func TestKeyHelpers(t *testing.T) {
	k := kv.Key{"tiles", "tile"}
	k2 := k.Append("0_0_0_b1")
	if k2.String() != "tiles:tile:0_0_0_b1" || k2.Last() != "0_0_0_b1" {
		t.Fatalf("Append = %v", k2)
	}
	if len(k) != 2 {
		t.Fatalf("Append modified receiver: %v", k)
	}
	if (kv.Key{}).Last() != "" {
		t.Fatalf("Last of empty key")
	}
}
