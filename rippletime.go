package fundcore

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// The ledger counts seconds from 2000-01-01T00:00:00Z, not the unix epoch.
const rippleEpochOffset int64 = 946684800

func toRippleTime(t time.Time) uint32 {
	return uint32(t.Unix() - rippleEpochOffset)
}

func fromRippleTime(rt uint32) time.Time {
	return time.Unix(int64(rt)+rippleEpochOffset, 0).UTC()
}

var dropsPerXRP = decimal.New(1, 6)

func XRPToDrops(xrp decimal.Decimal) decimal.Decimal {
	return xrp.Mul(dropsPerXRP)
}

func DropsToXRP(drops decimal.Decimal) decimal.Decimal {
	return drops.Div(dropsPerXRP)
}

// BuildMemo hex-encodes a description memo the way ledger explorers expect.
func BuildMemo(text string) Memo {
	return Memo{
		Type: strings.ToUpper(hex.EncodeToString([]byte("Description"))),
		Data: strings.ToUpper(hex.EncodeToString([]byte(text))),
	}
}

func ParseMemo(m Memo) string {
	b, err := hex.DecodeString(m.Data)
	if err != nil {
		return ""
	}

	return string(b)
}
