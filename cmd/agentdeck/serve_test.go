package main

import (
	"sort"
	"testing"
)

func TestFlattenEnv(t *testing.T) {
	if got := flattenEnv(nil); got != nil {
		t.Fatalf("expected nil for empty env, got %v", got)
	}
	got := flattenEnv(map[string]string{"B": "2", "A": "1"})
	sort.Strings(got)
	if len(got) != 2 || got[0] != "A=1" || got[1] != "B=2" {
		t.Fatalf("unexpected env: %v", got)
	}
}
