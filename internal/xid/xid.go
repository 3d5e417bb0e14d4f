package xid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientRef names an offline transaction on this terminal, e.g.
// off-20260302T093000-3f9a1c0de2b4. The backend dedupes replays on it.
func ClientRef(at time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "off-" + at.UTC().Format("20060102T150405") + "-" + random[:12]
}

// TransactionNumber renders the receipt number shown to customers, e.g.
// TRX-20260302093000-0417.
func TransactionNumber(at time.Time) string {
	buf := make([]byte, 2)
	suffix := uint16(at.Nanosecond())
	if _, err := rand.Read(buf); err == nil {
		suffix = binary.BigEndian.Uint16(buf)
	}
	return fmt.Sprintf("TRX-%s-%04d", at.UTC().Format("20060102150405"), int(suffix)%10000)
}
