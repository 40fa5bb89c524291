package marketdata

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/newthinker/replay/internal/core"
)

func TestValidator_Available(t *testing.T) {
	store := NewMemoryStore()
	s := testSeries(core.ProductSpot)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store.Add(s, hourBars(start, 100, 101, 102)...)

	v := NewValidator(store, nil)
	avail, err := v.Validate(context.Background(), s, core.DateRange{
		Start: start, End: start.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !avail.Available || avail.RecordCount != 3 {
		t.Errorf("avail = %+v, want 3 available records", avail)
	}
	if !avail.ActualRange.Start.Equal(start) {
		t.Errorf("actual range start = %v, want %v", avail.ActualRange.Start, start)
	}
}

// Requesting spot when only the perpetual swap has data must fail with a
// product-type suggestion, never with substituted bars.
func TestValidator_UnavailableSuggestsSwap(t *testing.T) {
	store := NewMemoryStore()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store.Add(testSeries(core.ProductSwap), hourBars(start, 100, 101)...)

	v := NewValidator(store, nil)
	_, err := v.Validate(context.Background(), testSeries(core.ProductSpot), core.DateRange{
		Start: start, End: start.Add(24 * time.Hour),
	})
	if !errors.Is(err, core.ErrDataUnavailable) {
		t.Fatalf("err = %v, want ErrDataUnavailable", err)
	}

	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		t.Fatal("expected *core.Error")
	}
	found := false
	for _, s := range coreErr.Suggestions {
		if strings.Contains(s, "product_type=swap") {
			found = true
		}
	}
	if !found {
		t.Errorf("Suggestions = %v, want product_type=swap hint", coreErr.Suggestions)
	}
}

func TestValidator_InvalidRange(t *testing.T) {
	v := NewValidator(NewMemoryStore(), nil)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := v.Validate(context.Background(), testSeries(core.ProductSpot), core.DateRange{
		Start: start, End: start,
	})
	if !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}
