// Package qris turns a merchant's static QRIS payload into a dynamic,
// amount-bound payload. The transform follows the EMV QRCPS TLV layout:
// the point-of-initiation subfield flips from static to dynamic, a tag 54
// amount TLV is spliced in directly before the 5802ID country code, and
// the trailing CRC16-CCITT checksum is recomputed. QiosPay and OrderKuota
// share this convention; Atlantic issues its own QR remotely.
package qris

import (
	"fmt"
	"strings"

	apperr "github.com/example/payment-recon/pkg/errors"
)

const (
	poiStatic  = "010211"
	poiDynamic = "010212"
	countryTag = "5802ID"
	crcTag     = "6304"
)

// MakeDynamic rewrites a static QRIS payload into a dynamic one bound to
// amount (whole Rupiah). The output is bit-exact with the convention used
// by the gateways, including the uppercase 4-hex-digit CRC.
func MakeDynamic(static string, amount int64) (string, error) {
	if amount <= 0 {
		return "", apperr.New(apperr.CodeInvalidPayload, fmt.Sprintf("amount must be positive, got %d", amount))
	}
	if len(static) < 12 {
		return "", apperr.New(apperr.CodeInvalidPayload, "payload too short to be QRIS")
	}

	// Drop the existing CRC tag + value (tag 6304 plus 4 hex digits).
	body := static[:len(static)-8]
	body = strings.Replace(body, poiStatic, poiDynamic, 1)

	idx := strings.Index(body, countryTag)
	if idx < 0 {
		return "", apperr.New(apperr.CodeInvalidPayload, "payload has no 5802ID country code")
	}

	value := fmt.Sprintf("%d", amount)
	amountTLV := fmt.Sprintf("54%02d%s", len(value), value)

	// EMVCo requires tag 54 to precede the country code.
	out := body[:idx] + amountTLV + body[idx:] + crcTag
	return out + fmt.Sprintf("%04X", crc16(out)), nil
}

// Validate reports whether payload ends in a self-consistent CRC.
func Validate(payload string) bool {
	if len(payload) < 12 {
		return false
	}
	body, sum := payload[:len(payload)-4], payload[len(payload)-4:]
	if !strings.HasSuffix(body, crcTag) {
		return false
	}
	return fmt.Sprintf("%04X", crc16(body)) == strings.ToUpper(sum)
}

// crc16 is CRC16-CCITT (poly 0x1021, init 0xFFFF), per EMV QRCPS.
func crc16(s string) uint16 {
	crc := uint16(0xFFFF)
	for i := 0; i < len(s); i++ {
		crc ^= uint16(s[i]) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
