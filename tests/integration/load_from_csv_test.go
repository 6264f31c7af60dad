package integration

import (
	"encoding/csv"
	"os"
	"strconv"
	"testing"
	"time"
)

func TestLoadFromCSV(t *testing.T) {
	f, err := os.Open("../data/dummy_transactions.csv")
	if err != nil {
		t.Skip("generate csv first via dummygen")
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) < 2 {
		t.Fatalf("expected >1 rows, got %d", len(records))
	}

	gateways := map[string]bool{"atlantic": true, "qiospay": true, "orderkuota": true, "pakasir": true}
	for _, row := range records[1:] {
		if len(row) != 6 {
			t.Fatalf("expected 6 columns, got %d: %v", len(row), row)
		}
		if !gateways[row[2]] {
			t.Fatalf("unknown gateway %q", row[2])
		}
		amount, err := strconv.ParseInt(row[3], 10, 64)
		if err != nil || amount <= 0 {
			t.Fatalf("bad amount %q", row[3])
		}
		if _, err := time.Parse(time.RFC3339, row[4]); err != nil {
			t.Fatalf("bad created_at %q: %v", row[4], err)
		}
	}
}
