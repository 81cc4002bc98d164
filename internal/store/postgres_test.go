package store

import (
	"errors"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/bitforward/forward-engine/internal/model"
)

// row feeds fixed column values to scanContract.
type row []any

func (r row) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r[i]))
	}
	return nil
}

func contractRow(collateral string) row {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return row{
		int64(3), "alice", "bob", true,
		collateral, "-1000000", "100",
		"10000000", "0", "4", "14",
		"USD", "2000000", "1000000", int16(model.StatusFilled),
		"5", "6", "0", "0", created,
	}
}

func TestScanContract(t *testing.T) {
	c, err := scanContract(contractRow("10000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID != 3 || c.CollateralAmount != 10_000_000 || c.Premium != -1_000_000 {
		t.Errorf("unexpected contract: %+v", c)
	}
	if c.LongLeverage != 2_000_000 || c.ClosingBlock != 14 || c.ShortID != 6 || c.Status != model.StatusFilled {
		t.Errorf("unexpected contract: %+v", c)
	}
}

func TestScanContract_MalformedNumeric(t *testing.T) {
	_, err := scanContract(contractRow("12.5"))
	if err == nil {
		t.Fatal("expected error for fractional collateral")
	}
	if !errors.Is(err, strconv.ErrSyntax) {
		t.Errorf("expected syntax error, got %v", err)
	}

	r := contractRow("10000000")
	r[5] = "not-a-number"
	if _, err := scanContract(r); err == nil {
		t.Error("expected error for malformed premium")
	}
}

func TestParseNumeric(t *testing.T) {
	if v, err := parseNumeric("amount", "18446744073709551615"); err != nil || v != 18446744073709551615 {
		t.Errorf("max uint64: got %d, %v", v, err)
	}
	if _, err := parseNumeric("amount", "-1"); err == nil {
		t.Error("negative amount should not parse")
	}
	if _, err := parseNumeric("amount", "18446744073709551616"); err == nil {
		t.Error("overflowing amount should not parse")
	}
}
