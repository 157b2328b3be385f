// Package statement turns bank statement exports (CSV or XLSX) into the rows the
// ledger imports. Non-credit lines, self-transfers and references repeated inside
// the file are dropped and reported.
package statement

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/brokerdesk/bankrecon/internal/ledger"
	"github.com/brokerdesk/bankrecon/internal/money"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

// Format identifies the statement file type.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatFromName infers the format from a file name.
func FormatFromName(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// DefaultPrefixes are channel prefixes banks put in front of the payer name.
var DefaultPrefixes = []string{
	"BANCA EN LINEA TRANSFERENCIA DE ",
	"BANCA EN LINEA TRANSFERENCIA A ",
	"BANCA MOVIL TRANSFERENCIA DE ",
	"ACH EXPRESS - ",
	"ACH - ",
}

// DefaultOwnNames mark transfers the brokerage sent to itself.
var DefaultOwnNames = []string{"LIDERES EN SEGUROS", "LISSA"}

// headerScanRows bounds how far down the sheet the header row is searched for.
const headerScanRows = 15

var (
	ErrUnsupportedFormat = fmt.Errorf("statement: unsupported format: %w", shared.ErrValidation)
	ErrHeaderNotFound    = fmt.Errorf("statement: header row with date, reference, description and credit columns not found: %w", shared.ErrValidation)
	ErrEmptyWorkbook     = fmt.Errorf("statement: workbook has no sheets: %w", shared.ErrValidation)
)

// DropReason explains why a line did not become a row.
type DropReason string

const (
	DropNotCredit    DropReason = "not_credit"
	DropSelfTransfer DropReason = "self_transfer"
	DropDuplicate    DropReason = "duplicate_in_file"
	DropUnreadable   DropReason = "unreadable"
)

// Drop records a skipped line. Line is 1-based within the file.
type Drop struct {
	Line      int        `json:"line"`
	Reference string     `json:"reference_number,omitempty"`
	Reason    DropReason `json:"reason"`
	Detail    string     `json:"detail,omitempty"`
}

// Result is the normalized content of one statement.
type Result struct {
	Rows    []ledger.StatementRow `json:"rows"`
	Dropped []Drop                `json:"dropped"`
}

// Total sums the kept credits.
func (r Result) Total() decimal.Decimal {
	total := decimal.Zero
	for _, row := range r.Rows {
		total = total.Add(row.Amount)
	}
	return money.Round(total)
}

// Options configures a Normalizer.
type Options struct {
	Prefixes []string
	OwnNames []string
}

// Normalizer parses statements. It is safe for concurrent use.
type Normalizer struct {
	prefixes []string
	ownNames []string
}

// NewNormalizer builds a normalizer; empty option lists fall back to the defaults.
func NewNormalizer(opts Options) *Normalizer {
	if len(opts.Prefixes) == 0 {
		opts.Prefixes = DefaultPrefixes
	}
	if len(opts.OwnNames) == 0 {
		opts.OwnNames = DefaultOwnNames
	}
	n := &Normalizer{}
	for _, p := range opts.Prefixes {
		n.prefixes = append(n.prefixes, fold(p))
	}
	for _, name := range opts.OwnNames {
		if f := strings.TrimSpace(fold(name)); f != "" {
			n.ownNames = append(n.ownNames, f)
		}
	}
	return n
}

// Parse reads a statement in the given format.
func (n *Normalizer) Parse(r io.Reader, format Format) (Result, error) {
	var (
		records [][]string
		err     error
	)
	switch format {
	case FormatCSV:
		records, err = readCSV(r)
	case FormatXLSX:
		records, err = readXLSX(r)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Result{}, err
	}
	return n.normalize(records)
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("statement: read csv: %v: %w", err, shared.ErrValidation)
	}
	return records, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("statement: open workbook: %v: %w", err, shared.ErrValidation)
	}
	defer f.Close()
	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, ErrEmptyWorkbook
	}
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("statement: read sheet %s: %w", sheet, err)
	}
	return rows, nil
}

type columns struct {
	date, reference, description, credit int
}

func (n *Normalizer) normalize(records [][]string) (Result, error) {
	headerAt, cols, err := findHeader(records)
	if err != nil {
		return Result{}, err
	}
	out := Result{Rows: []ledger.StatementRow{}, Dropped: []Drop{}}
	seen := make(map[string]struct{})
	for i := headerAt + 1; i < len(records); i++ {
		rec := records[i]
		line := i + 1
		if blank(rec) {
			continue
		}
		reference := strings.TrimSpace(cell(rec, cols.reference))
		amount, err := ParseAmount(cell(rec, cols.credit))
		if err != nil {
			out.Dropped = append(out.Dropped, Drop{Line: line, Reference: reference, Reason: DropUnreadable, Detail: err.Error()})
			continue
		}
		if !money.Positive(amount) {
			out.Dropped = append(out.Dropped, Drop{Line: line, Reference: reference, Reason: DropNotCredit})
			continue
		}
		if reference == "" {
			out.Dropped = append(out.Dropped, Drop{Line: line, Reason: DropUnreadable, Detail: "missing reference"})
			continue
		}
		date, err := ParseDate(cell(rec, cols.date))
		if err != nil {
			out.Dropped = append(out.Dropped, Drop{Line: line, Reference: reference, Reason: DropUnreadable, Detail: err.Error()})
			continue
		}
		raw := cell(rec, cols.description)
		if n.isSelfTransfer(raw) {
			out.Dropped = append(out.Dropped, Drop{Line: line, Reference: reference, Reason: DropSelfTransfer})
			continue
		}
		if _, dup := seen[reference]; dup {
			out.Dropped = append(out.Dropped, Drop{Line: line, Reference: reference, Reason: DropDuplicate})
			continue
		}
		seen[reference] = struct{}{}
		out.Rows = append(out.Rows, ledger.StatementRow{
			ReferenceNumber: reference,
			Date:            date,
			Description:     n.NormalizeDescription(raw),
			Amount:          money.Round(amount),
		})
	}
	return out, nil
}

// NormalizeDescription collapses whitespace and strips a known channel prefix,
// leaving the payer name as the bank printed it.
func (n *Normalizer) NormalizeDescription(raw string) string {
	collapsed := strings.Join(strings.Fields(raw), " ")
	folded := fold(collapsed)
	for _, p := range n.prefixes {
		if !strings.HasPrefix(folded, p) {
			continue
		}
		original := []rune(collapsed)
		if utf8.RuneCountInString(folded) == len(original) {
			return strings.TrimSpace(string(original[utf8.RuneCountInString(p):]))
		}
		return strings.TrimSpace(folded[len(p):])
	}
	return collapsed
}

func (n *Normalizer) isSelfTransfer(description string) bool {
	folded := fold(description)
	for _, name := range n.ownNames {
		if strings.Contains(folded, name) {
			return true
		}
	}
	return false
}

func findHeader(records [][]string) (int, columns, error) {
	limit := min(headerScanRows, len(records))
	for i := 0; i < limit; i++ {
		cols := columns{date: -1, reference: -1, description: -1, credit: -1}
		for j, raw := range records[i] {
			h := strings.Join(strings.Fields(fold(raw)), " ")
			switch {
			case cols.date < 0 && (strings.Contains(h, "FECHA") || h == "DATE"):
				cols.date = j
			case strings.Contains(h, "REFERENCIA 1") || h == "REFERENCE 1":
				cols.reference = j
			case cols.reference < 0 && (strings.Contains(h, "REFERENCIA") || strings.Contains(h, "REFERENCE")):
				cols.reference = j
			case cols.description < 0 && strings.Contains(h, "DESCRI"):
				cols.description = j
			case cols.credit < 0 && (strings.Contains(h, "CREDITO") || strings.Contains(h, "CREDIT")):
				cols.credit = j
			}
		}
		if cols.date >= 0 && cols.reference >= 0 && cols.description >= 0 && cols.credit >= 0 {
			return i, cols, nil
		}
	}
	return 0, columns{}, ErrHeaderNotFound
}

var (
	upper       = cases.Upper(language.Und)
	stripMarks  = runes.Remove(runes.In(unicode.Mn))
	errNoAmount = errors.New("amount not readable")
)

// fold upper-cases s and removes diacritics so "Crédito" matches "CREDITO".
func fold(s string) string {
	t := transform.Chain(norm.NFD, stripMarks, norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return upper.String(out)
}

// ParseAmount reads a credit cell such as "1,250.00", "$ 75.5" or "". Empty cells
// are zero.
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" || cleaned == "-" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", errNoAmount, raw)
	}
	return d, nil
}

var spanishMonths = map[string]time.Month{
	"ENE": time.January, "FEB": time.February, "MAR": time.March, "ABR": time.April,
	"MAY": time.May, "JUN": time.June, "JUL": time.July, "AGO": time.August,
	"SEP": time.September, "OCT": time.October, "NOV": time.November, "DIC": time.December,
}

var dateLayouts = []string{time.DateOnly, "02/01/2006", "2/1/2006", "02-01-2006", "2006/01/02"}

// ParseDate accepts ISO dates, day-first numeric dates, "05-ene-2025" style
// Spanish month abbreviations and Excel serial numbers.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.New("date missing")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if parts := strings.Split(s, "-"); len(parts) == 3 {
		month, ok := spanishMonths[fold(firstRunes(parts[1], 3))]
		var day, year int
		if _, err := fmt.Sscanf(parts[0]+" "+parts[2], "%d %d", &day, &year); ok && err == nil {
			if year < 100 {
				year += 2000
			}
			return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), nil
		}
	}
	if serial, err := decimal.NewFromString(s); err == nil && serial.IsPositive() {
		f, _ := serial.Float64()
		t, err := excelize.ExcelDateToTime(f, false)
		if err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("date not readable: %q", raw)
}

func firstRunes(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

func cell(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return rec[idx]
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
