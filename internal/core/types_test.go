package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTaskStatus_Terminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusTimedOut, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestDataPrecision_Rank(t *testing.T) {
	if PrecisionKline.Rank() >= PrecisionHybrid.Rank() {
		t.Error("KLINE should rank below HYBRID")
	}
	if PrecisionHybrid.Rank() >= PrecisionTickReal.Rank() {
		t.Error("HYBRID should rank below TICK_REAL")
	}
	if DataPrecision("bogus").Rank() != -1 {
		t.Error("unknown precision should rank -1")
	}
}

func TestDateRange_Contains(t *testing.T) {
	r := DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	if !r.Contains(r.Start) {
		t.Error("range should include its start")
	}
	if r.Contains(r.End) {
		t.Error("range should exclude its end")
	}
	if r.Contains(r.Start.Add(-time.Second)) {
		t.Error("range should exclude times before start")
	}
}

func TestPosition_IsOpen(t *testing.T) {
	var nilPos *Position
	if nilPos.IsOpen() {
		t.Error("nil position should not be open")
	}

	flat := &Position{Quantity: decimal.Zero}
	if flat.IsOpen() {
		t.Error("zero-quantity position should not be open")
	}

	open := &Position{Quantity: decimal.NewFromFloat(0.5)}
	if !open.IsOpen() {
		t.Error("positive-quantity position should be open")
	}
}

func TestProductType_IsValid(t *testing.T) {
	for _, p := range []ProductType{ProductSpot, ProductSwap, ProductFutures} {
		if !p.IsValid() {
			t.Errorf("%s should be valid", p)
		}
	}
	if ProductType("margin").IsValid() {
		t.Error("unknown product type should be invalid")
	}
}
