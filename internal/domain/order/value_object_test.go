package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusFromPG(t *testing.T) {
	tests := []struct {
		name       string
		resCd      string
		statusCode string
		want       Status
		flag       DiagnosticFlag
		ok         bool
	}{
		{name: "approved", resCd: "0000", statusCode: "TS01", want: StatusPaid, ok: true},
		{name: "cancelled", resCd: "0000", statusCode: "TS02", want: StatusCancelled, ok: true},
		{name: "refund family", resCd: "0000", statusCode: "RF01", want: StatusRefund, ok: true},
		{name: "refund family other", resCd: "0000", statusCode: "RF99", want: StatusRefund, ok: true},
		{name: "unknown status", resCd: "0000", statusCode: "TS99", flag: FlagNoStatus},
		{name: "missing status", resCd: "0000", statusCode: "", flag: FlagNoStatus},
		{name: "pg error", resCd: "R101", statusCode: "TS01", flag: FlagPGNotFoundOrError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, flag, ok := StatusFromPG(tt.resCd, tt.statusCode)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.flag, flag)
		})
	}
}

func TestNewShopOrderNo(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		no := NewShopOrderNo(now)
		assert.Len(t, no, 17)
		assert.Equal(t, "20250101", no[:8])
		assert.True(t, IsGeneratedShopOrderNo(no), no)
	}
}

func TestIsGeneratedShopOrderNo(t *testing.T) {
	assert.False(t, IsGeneratedShopOrderNo("2025010112345678"))
	assert.False(t, IsGeneratedShopOrderNo("20251301123456789"))
	assert.False(t, IsGeneratedShopOrderNo("2025010112345678a"))
}

func TestCartScope_Validate(t *testing.T) {
	assert.NoError(t, ByUser("u1").Validate())
	assert.NoError(t, BySession("s1").Validate())
	assert.True(t, IsValidation(CartScope{}.Validate()))
	assert.True(t, IsValidation(ByUser("  ").Validate()))
}

func TestPGDate_UsesLocation(t *testing.T) {
	seoul := time.FixedZone("KST", 9*3600)
	ts := time.Date(2025, 1, 1, 20, 0, 0, 0, time.UTC)

	assert.Equal(t, "20250101", PGDate(ts, time.UTC))
	assert.Equal(t, "20250102", PGDate(ts, seoul))
}
