package statement

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/brokerdesk/bankrecon/internal/shared"
)

const sampleCSV = `Banco General,,,,
Estado de cuenta,,,,
Fecha,Referencia 1,Referencia 2,Descripción,Crédito
02-ene-2025,REF-100,X1,BANCA EN LINEA TRANSFERENCIA DE  Juan   Pérez,"1,250.00"
03/01/2025,REF-101,X2,ACH EXPRESS - Seguros Mar,$ 75.5
2025-01-04,REF-102,X3,COMISION BANCARIA,-3.00
2025-01-04,REF-103,X4,ACH - LIDERES EN SEGUROS S.A.,500
2025-01-05,REF-100,X5,ACH - Juan Perez,10
,,,,
2025-01-06,REF-104,X6,Depósito,0
`

func TestParseCSV(t *testing.T) {
	n := NewNormalizer(Options{})
	res, err := n.Parse(strings.NewReader(sampleCSV), FormatCSV)
	require.NoError(t, err)

	require.Len(t, res.Rows, 2)
	require.Equal(t, "REF-100", res.Rows[0].ReferenceNumber)
	require.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), res.Rows[0].Date)
	require.Equal(t, "Juan Pérez", res.Rows[0].Description)
	require.Equal(t, "1250", res.Rows[0].Amount.String())

	require.Equal(t, "REF-101", res.Rows[1].ReferenceNumber)
	require.Equal(t, time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC), res.Rows[1].Date)
	require.Equal(t, "Seguros Mar", res.Rows[1].Description)
	require.Equal(t, "75.5", res.Rows[1].Amount.String())

	reasons := map[string]DropReason{}
	for _, d := range res.Dropped {
		reasons[d.Reference] = d.Reason
	}
	require.Equal(t, DropNotCredit, reasons["REF-102"])
	require.Equal(t, DropSelfTransfer, reasons["REF-103"])
	require.Equal(t, DropDuplicate, reasons["REF-100"])
	require.Equal(t, DropNotCredit, reasons["REF-104"])
	require.Len(t, res.Dropped, 4)
}

func TestParseRequiresHeader(t *testing.T) {
	n := NewNormalizer(Options{})
	_, err := n.Parse(strings.NewReader("a,b,c\n1,2,3\n"), FormatCSV)
	require.ErrorIs(t, err, ErrHeaderNotFound)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = n.Parse(strings.NewReader(""), "pdf")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestOwnNamesAreConfigurable(t *testing.T) {
	n := NewNormalizer(Options{OwnNames: []string{"Corredora Ñandú"}})
	in := "Date,Reference,Description,Credit\n2025-01-02,R1,ACH - CORREDORA NANDU,10\n2025-01-02,R2,ACH - LISSA,10\n"
	res, err := n.Parse(strings.NewReader(in), FormatCSV)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "R2", res.Rows[0].ReferenceNumber)
	require.Equal(t, DropSelfTransfer, res.Dropped[0].Reason)
}

func TestParseXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Movimientos"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"Fecha", "Referencia 1", "Descripción", "Débito", "Crédito"}))
	require.NoError(t, f.SetSheetRow(sheet, "A4", &[]any{"2025-01-07", "REF-1", "BANCA MOVIL TRANSFERENCIA DE Ana Ruiz", "", 320.75}))
	require.NoError(t, f.SetSheetRow(sheet, "A5", &[]any{45665, "REF-2", "Cheque", 50, ""}))
	require.NoError(t, f.SetSheetRow(sheet, "A6", &[]any{45666, "REF-3", "ACH - Seguros Sol", "", 99}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res, err := NewNormalizer(Options{}).Parse(bytes.NewReader(buf.Bytes()), FormatXLSX)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.Equal(t, "Ana Ruiz", res.Rows[0].Description)
	require.Equal(t, "320.75", res.Rows[0].Amount.String())
	require.Equal(t, time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC), res.Rows[1].Date)
	require.Equal(t, []Drop{{Line: 5, Reference: "REF-2", Reason: DropNotCredit}}, res.Dropped)
}

func TestParseDate(t *testing.T) {
	cases := map[string]time.Time{
		"2025-03-09": time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
		"09/03/2025": time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
		"9-dic-2024": time.Date(2024, 12, 9, 0, 0, 0, 0, time.UTC),
		"15-sept-25": time.Date(2025, 9, 15, 0, 0, 0, 0, time.UTC),
		"45658":      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for raw, want := range cases {
		got, err := ParseDate(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := ParseDate("yesterday")
	require.Error(t, err)
}

func TestFormatFromName(t *testing.T) {
	f, err := FormatFromName("Estado Enero.XLSX")
	require.NoError(t, err)
	require.Equal(t, FormatXLSX, f)
	_, err = FormatFromName("statement.pdf")
	require.ErrorIs(t, err, shared.ErrValidation)
}
