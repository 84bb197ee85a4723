package revocation

import (
	"reflect"
	"testing"
)

func TestIDsFromDetailsJSONRoundTrip(t *testing.T) {
	// JSONB details come back with numbers as float64.
	details := map[string]any{"prescription_ids": []any{float64(7), float64(9), float64(12)}}
	ids, err := idsFromDetails(details, "prescription_ids")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []int64{7, 9, 12}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
}

func TestIDsFromDetailsFreshEntry(t *testing.T) {
	details := map[string]any{"prescription_ids": []int64{3, 4}}
	ids, err := idsFromDetails(details, "prescription_ids")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []int64{3, 4}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
}

func TestIDsFromDetailsMissingKey(t *testing.T) {
	if _, err := idsFromDetails(map[string]any{}, "prescription_ids"); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestIDsFromDetailsRejectsGarbage(t *testing.T) {
	details := map[string]any{"prescription_ids": []any{"not-a-number"}}
	if _, err := idsFromDetails(details, "prescription_ids"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
}
