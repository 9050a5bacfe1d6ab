package acumatica

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeReferenceNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"123", "000123"},
		{"000123", "000123"},
		{"1234567", "1234567"},
		{"INV-123", "INV-123"},
		{" 42 ", "000042"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeReferenceNumber(tc.in, 6), "input %q", tc.in)
	}
}

func TestFormatDateLiteral(t *testing.T) {
	loc := time.FixedZone("MMT", 6*3600+1800)
	ts := time.Date(2024, 3, 15, 10, 30, 45, 123456789, loc)

	got := FormatDateLiteral(ts)

	assert.Equal(t, "datetimeoffset'2024-03-15T10:30:45+06:30'", got)
	assert.NotContains(t, got, ".", "fractional seconds must be stripped")
}

func TestExtractSessionCookie(t *testing.T) {
	t.Run("prefers aspnet session cookie", func(t *testing.T) {
		got := extractSessionCookie([]string{
			"Locale=en-US; path=/",
			"ASP.NET_SessionId=abc123; HttpOnly; path=/",
		})
		assert.Equal(t, "ASP.NET_SessionId=abc123", got)
	})

	t.Run("splits comma joined headers", func(t *testing.T) {
		got := extractSessionCookie([]string{
			"Locale=en-US; path=/, ASP.NET_SessionId=xyz; HttpOnly",
		})
		assert.Equal(t, "ASP.NET_SessionId=xyz", got)
	})

	t.Run("falls back to first cookie", func(t *testing.T) {
		got := extractSessionCookie([]string{"CompanyID=1; path=/"})
		assert.Equal(t, "CompanyID=1", got)
	})

	t.Run("skips attribute fragments", func(t *testing.T) {
		got := extractSessionCookie([]string{
			"Locale=en; expires=Wed, 21 Oct 2026 07:28:00 GMT; path=/",
		})
		assert.Equal(t, "Locale=en", got)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Equal(t, "", extractSessionCookie(nil))
	})
}

func TestRecordAccessors(t *testing.T) {
	var rec Record
	err := json.Unmarshal([]byte(`{
		"CustomerID": {"value": "ABC001"},
		"Balance": {"value": 1250.50},
		"LastModifiedDateTime": {"value": "2024-03-15T10:30:45+06:30"},
		"Empty": {},
		"ApplicationHistory": [
			{"DisplayRefNbr": {"value": "123"}}
		]
	}`), &rec)
	require.NoError(t, err)

	assert.Equal(t, "ABC001", rec.String("CustomerID"))
	assert.Equal(t, "1250.5", rec.Decimal("Balance").String())
	assert.Equal(t, "", rec.String("Missing"))
	assert.True(t, rec.Decimal("Missing").IsZero())
	assert.Nil(t, rec.Time("Missing"))

	ts := rec.Time("LastModifiedDateTime")
	require.NotNil(t, ts)
	assert.Equal(t, 2024, ts.Year())

	entries := rec.Records("ApplicationHistory")
	require.Len(t, entries, 1)
	assert.Equal(t, "123", entries[0].String("DisplayRefNbr"))
}

func TestDecodeRecords(t *testing.T) {
	records, err := decodeRecords([]byte(`[{"CustomerID":{"value":"A"}}]`))
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = decodeRecords([]byte(`<!DOCTYPE html><html>login page</html>`))
	var sessErr *SessionExpiredError
	assert.ErrorAs(t, err, &sessErr)
}

func TestFieldMapFlatten(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{
		"CustomerID": {"value": "C1"},
		"Balance": {"value": "10.25"},
		"Date": {"value": "2024-01-02T00:00:00"}
	}`), &rec))

	fm := FieldMap{
		{Source: "CustomerID", Column: "customer_id"},
		{Source: "Balance", Column: "balance", Kind: CoerceDecimal},
		{Source: "Date", Column: "doc_date", Kind: CoerceTime},
		{Source: "Missing", Column: "status"},
	}
	values := fm.Flatten(rec)

	assert.Equal(t, "C1", values["customer_id"])
	assert.Equal(t, "10.25", values["balance"].(interface{ String() string }).String())
	assert.NotNil(t, values["doc_date"])
	assert.Equal(t, "", values["status"])
}
