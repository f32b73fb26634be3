package removal

import (
	"strings"
	"testing"
)

func TestContractIDFromHandle(t *testing.T) {
	cases := []struct {
		handle string
		want   string
	}{
		{"subscription-12345", "12345"},
		{"12345", "12345"},
		{"box-2024-999", "999"},
		{"no-digits-here", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ContractIDFromHandle(tc.handle); got != tc.want {
			t.Errorf("ContractIDFromHandle(%q) = %q, want %q", tc.handle, got, tc.want)
		}
	}
}

func TestParseSubscriptionCSV(t *testing.T) {
	csv := strings.Join([]string{
		`handle,customer_id,line_variant_id,status`,
		`subscription-101,"5001",111,ACTIVE`,
		`subscription-102,'5002',222,cancelled`,
		`subscription-103,5003,,PAUSED`,
		`no-digits,5004,111,ACTIVE`,
		`subscription-105,,111,ACTIVE`,
		`subscription-106,5006,111,EXPIRED`,
	}, "\n")

	rows, skipped, total, err := ParseSubscriptionCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseSubscriptionCSV: %v", err)
	}
	if total != 6 {
		t.Errorf("total = %d, want 6", total)
	}
	if len(rows) != 3 {
		t.Fatalf("valid rows = %d, want 3: %+v", len(rows), rows)
	}

	if rows[0].ContractID != "101" || rows[0].CustomerID != "5001" || rows[0].Status != "ACTIVE" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	// quote-stripping and status upcasing
	if rows[1].CustomerID != "5002" || rows[1].Status != "CANCELLED" {
		t.Errorf("row 1 = %+v", rows[1])
	}
	// missing variant id is allowed
	if rows[2].ContractID != "103" || rows[2].LineVariantID != "" || rows[2].Status != "PAUSED" {
		t.Errorf("row 2 = %+v", rows[2])
	}

	if len(skipped) != 3 {
		t.Fatalf("skipped = %d, want 3: %+v", len(skipped), skipped)
	}
	reasons := map[string]int{}
	for _, s := range skipped {
		reasons[s.Reason]++
	}
	if reasons["no_contract_id"] != 1 || reasons["no_customer_id"] != 1 || reasons["unknown_status"] != 1 {
		t.Errorf("skip reasons = %v", reasons)
	}
	for _, s := range skipped {
		if s.Row < 2 {
			t.Errorf("skipped row number %d, data rows start at 2", s.Row)
		}
	}
}

func TestParseSubscriptionCSVTrailingCommaArtifacts(t *testing.T) {
	csv := "handle,customer_id,line_variant_id,status\n" +
		`"subscription-201,",6001,"333,",active` + "\n"

	rows, skipped, _, err := ParseSubscriptionCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseSubscriptionCSV: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("skipped = %+v", skipped)
	}
	if len(rows) != 1 || rows[0].ContractID != "201" || rows[0].LineVariantID != "333" {
		t.Errorf("rows = %+v", rows)
	}
}
