// dummygen writes a CSV of synthetic pending transactions for load and
// integration testing against a scratch database.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
)

var gateways = []string{"atlantic", "qiospay", "orderkuota", "pakasir"}

// amounts mirror the whole-Rupiah QRIS range seen in production: small
// digital-goods prices, occasionally with a uniqueness suffix.
func amount(r *rand.Rand) int64 {
	base := int64(1000 * (1 + r.Intn(500)))
	if r.Intn(4) == 0 {
		base += int64(r.Intn(999)) // cents-style disambiguation suffix
	}
	return base
}

func main() {
	n := flag.Int("n", 100, "number of rows (excluding header)")
	out := flag.String("out", "tests/data/dummy_transactions.csv", "output CSV path")
	flag.Parse()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	if err := os.MkdirAll("tests/data", 0o755); err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(*out)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	_ = w.Write([]string{"order_id", "bot_id", "gateway", "amount", "created_at", "expires_at"})
	now := time.Now()
	for i := 0; i < *n; i++ {
		created := now.Add(-time.Duration(r.Intn(7200)) * time.Second)
		row := []string{
			"ORD-" + uuid.NewString(),
			fmt.Sprintf("%d", 1+r.Intn(50)),
			gateways[r.Intn(len(gateways))],
			fmt.Sprintf("%d", amount(r)),
			created.Format(time.RFC3339),
			created.Add(15 * time.Minute).Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			log.Fatal(err)
		}
	}
	log.Printf("generated %s (%d rows + header)", *out, *n)
}
