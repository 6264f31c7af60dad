package mutation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// rawEntry is the union of every field shape the proxy passes through.
// QiosPay reports {id, type CR/DB, amount "50.000", date "... 15:04:05"};
// OrderKuota reports {orderkuota_trx_id, status IN/OUT, kredit/debet
// columns, tanggal with minute precision}.
type rawEntry struct {
	ID       flex   `json:"id"`
	TrxID    string `json:"qiospay_trx_id"`
	OkTrxID  flex   `json:"orderkuota_trx_id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Amount   flex   `json:"amount"`
	Kredit   flex   `json:"kredit"`
	Debet    flex   `json:"debet"`
	Date     string `json:"date"`
	Tanggal  string `json:"tanggal"`
	Keterang string `json:"keterangan"`
}

// flex accepts JSON strings and numbers interchangeably; the feeds are
// not consistent about which they send.
type flex string

func (f *flex) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flex(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flex(n.String())
	return nil
}

func (f flex) String() string { return string(f) }

func normalize(gw string, e rawEntry) (Record, error) {
	switch gw {
	case "orderkuota":
		return normalizeOrderKuota(e)
	default:
		return normalizeQiosPay(e)
	}
}

func normalizeQiosPay(e rawEntry) (Record, error) {
	rec := Record{ExternalID: e.TrxID}
	if rec.ExternalID == "" {
		rec.ExternalID = e.ID.String()
	}
	if rec.ExternalID == "0" {
		rec.ExternalID = "" // legacy feed shape without stable ids
	}

	amount, err := parseRupiah(e.Amount.String())
	if err != nil {
		return Record{}, err
	}
	rec.Amount = amount

	switch strings.ToUpper(e.Type) {
	case "CR", "C", "KREDIT", "CREDIT":
		rec.Direction = Credit
	default:
		rec.Direction = Debit
	}

	rec.OccurredAt, err = parseFeedTime(e.Date)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func normalizeOrderKuota(e rawEntry) (Record, error) {
	rec := Record{ExternalID: e.OkTrxID.String()}
	if rec.ExternalID == "0" || rec.ExternalID == "" {
		rec.ExternalID = e.ID.String()
	}

	// OrderKuota splits amounts into kredit and debet columns; whichever
	// is non-zero decides the direction.
	kredit, _ := parseRupiah(e.Kredit.String())
	debet, _ := parseRupiah(e.Debet.String())
	switch {
	case kredit > 0:
		rec.Amount, rec.Direction = kredit, Credit
	case debet > 0:
		rec.Amount, rec.Direction = debet, Debit
	default:
		if strings.EqualFold(e.Status, "IN") {
			rec.Direction = Credit
		} else {
			rec.Direction = Debit
		}
		amount, err := parseRupiah(e.Amount.String())
		if err != nil {
			return Record{}, err
		}
		rec.Amount = amount
	}

	var err error
	rec.OccurredAt, err = parseFeedTime(e.Tanggal)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// parseRupiah reads whole-Rupiah amounts that may arrive as "50000",
// "50.000" or "50,000". There is no fractional part in this currency.
func parseRupiah(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", "")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative amount %d", n)
	}
	return n, nil
}

var feedTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
	"02/01/2006 15:04",
}

func parseFeedTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range feedTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable feed timestamp %q", s)
}
