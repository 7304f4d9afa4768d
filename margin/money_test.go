package margin

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestComponentTotal_SumsAllFourComponents(t *testing.T) {
	fees := FeeSchedule{
		Setup:   dec("10"),
		Monthly: dec("50"),
		MT:      dec("0.05"),
		MO:      dec("0.02"),
	}

	// 1*10 + 2*50 + 1000*0.05 + 500*0.02 = 10 + 100 + 50 + 10 = 170
	total := componentTotal(1, 2, 1000, 500, fees)
	if !total.Equal(dec("170")) {
		t.Errorf("want 170, got %s", total)
	}
}

func TestComponentTotal_RoundsAfterEachStep(t *testing.T) {
	// 3 * 0.0000015 = 0.0000045, rounded half-up to 6 places = 0.000005
	// (wait until the final sum and you'd keep 0.0000045)
	fees := FeeSchedule{MT: dec("0.0000015")}
	total := componentTotal(0, 0, 3, 0, fees)
	if !total.Equal(dec("0.000005")) {
		t.Errorf("want 0.000005, got %s", total)
	}
}

func TestComponentTotal_ZeroCounts(t *testing.T) {
	fees := FeeSchedule{Setup: dec("10"), MT: dec("0.05")}
	total := componentTotal(0, 0, 0, 0, fees)
	if !total.IsZero() {
		t.Errorf("want 0, got %s", total)
	}
}

func TestRound6_HalfUp(t *testing.T) {
	cases := []struct{ in, want string }{
		{"0.0000005", "0.000001"},
		{"0.0000004", "0"},
		{"1.2345675", "1.234568"},
		{"-0.0000005", "-0.000001"},
	}
	for _, c := range cases {
		got := Round6(dec(c.in))
		if !got.Equal(dec(c.want)) {
			t.Errorf("Round6(%s): want %s, got %s", c.in, c.want, got)
		}
	}
}

func TestPerMessage_BlendedRate(t *testing.T) {
	// 170 over 1500 messages = 0.11333333... -> 0.113333
	rate := perMessage(dec("170"), 1500)
	if !rate.Equal(dec("0.113333")) {
		t.Errorf("want 0.113333, got %s", rate)
	}
}

func TestPerMessage_ZeroMessages(t *testing.T) {
	rate := perMessage(dec("170"), 0)
	if !rate.IsZero() {
		t.Errorf("want 0 for zero messages, got %s", rate)
	}
}

func TestFeeSchedule_Validate_RejectsNegative(t *testing.T) {
	fees := FeeSchedule{MT: dec("-0.01")}
	if err := fees.Validate(); err == nil {
		t.Error("negative fee should be rejected")
	}
	if !IsClientError(fees.Validate()) {
		t.Error("fee validation failures are client errors")
	}
}

func TestLedgerEntry_Reversal_NegatesCountsAndMoney(t *testing.T) {
	orig := LedgerEntry{
		ID:             42,
		SetupCount:     1,
		MonthlyCount:   2,
		MTCount:        1000,
		MOCount:        500,
		MessageCount:   1500,
		VendorFees:     FeeSchedule{MT: dec("0.05")},
		VendorCost:     dec("50"),
		ClientFees:     FeeSchedule{MT: dec("0.12")},
		ClientRevenue:  dec("120"),
		NormalizedCost: dec("50"),
		Margin:         dec("70"),
	}

	rev := orig.Reversal("bad upload")

	if rev.ID != 0 {
		t.Error("reversal must get a fresh ID")
	}
	if !rev.IsReversal || rev.OriginalEntryID == nil || *rev.OriginalEntryID != 42 {
		t.Error("reversal must link to its original")
	}
	if rev.ReversalReason != "bad upload" {
		t.Errorf("unexpected reason %q", rev.ReversalReason)
	}
	if rev.MTCount != -1000 || rev.MessageCount != -1500 {
		t.Error("counts must be negated")
	}
	if !rev.Margin.Equal(dec("-70")) || !rev.VendorCost.Equal(dec("-50")) || !rev.ClientRevenue.Equal(dec("-120")) {
		t.Error("money must be negated")
	}
	// Rate snapshots stay as recorded
	if !rev.VendorFees.MT.Equal(dec("0.05")) || !rev.ClientFees.MT.Equal(dec("0.12")) {
		t.Error("fee snapshots must be preserved")
	}
}
