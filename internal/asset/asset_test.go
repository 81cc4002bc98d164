package asset

import (
	"errors"
	"testing"

	"github.com/bitforward/forward-engine/internal/model"
)

func TestParseSymbol_Valid(t *testing.T) {
	sym, err := ParseSymbol(" usd ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sym != "USD" {
		t.Errorf("expected USD, got %s", sym)
	}
}

func TestParseSymbol_Invalid(t *testing.T) {
	tests := []string{
		"",
		"U",
		"US D",
		"USD1",
		"ÜSD",
		"TOOLONGSYMBOLNAME",
	}
	for _, s := range tests {
		if _, err := ParseSymbol(s); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", s, err)
		}
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r, err := NewRegistry(DefaultSymbols)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range DefaultSymbols {
		if !r.Supported(s) {
			t.Errorf("expected %s to be supported", s)
		}
	}
	if got, _ := r.Lookup("eur"); got != "EUR" {
		t.Errorf("expected EUR, got %q", got)
	}
	if _, err := r.Lookup("INVALID"); !errors.Is(err, model.ErrAssetNotSupported) {
		t.Errorf("expected ErrAssetNotSupported, got %v", err)
	}
	if _, err := r.Lookup("1"); !errors.Is(err, model.ErrAssetNotSupported) {
		t.Errorf("malformed symbol should be unsupported, got %v", err)
	}
}

func TestNewRegistry_Empty(t *testing.T) {
	if _, err := NewRegistry(nil); err == nil {
		t.Error("expected error for empty registry")
	}
}

func TestRegistry_SymbolsSorted(t *testing.T) {
	r, _ := NewRegistry([]string{"USD", "AUD", "EUR"})
	got := r.Symbols()
	want := []string{"AUD", "EUR", "USD"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
