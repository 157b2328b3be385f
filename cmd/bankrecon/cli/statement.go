package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/brokerdesk/bankrecon/internal/statement"
)

// PreviewOptions configures the statement preview command.
type PreviewOptions struct {
	Path       string
	OwnNames   []string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// PreviewSummary is the JSON form of a preview.
type PreviewSummary struct {
	File    string           `json:"file"`
	Rows    int              `json:"rows"`
	Total   string           `json:"total"`
	Dropped []statement.Drop `json:"dropped"`
}

// PreviewCommand normalizes a statement file locally and prints what an import
// would keep. It returns the process exit code: 0 when every line was kept, 10
// when lines were dropped, 1 on failure.
func PreviewCommand(opts PreviewOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Path == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "statement preview: --file is required")
		return 1
	}
	format, err := statement.FormatFromName(opts.Path)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "statement preview: %v\n", err)
		return 1
	}
	f, err := os.Open(opts.Path)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "statement preview: %v\n", err)
		return 1
	}
	defer f.Close()

	res, err := statement.NewNormalizer(statement.Options{OwnNames: opts.OwnNames}).Parse(f, format)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "statement preview: %v\n", err)
		return 1
	}
	summary := PreviewSummary{
		File:    filepath.Base(opts.Path),
		Rows:    len(res.Rows),
		Total:   res.Total().StringFixed(2),
		Dropped: res.Dropped,
	}
	if summary.Dropped == nil {
		summary.Dropped = []statement.Drop{}
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "statement preview: encode json: %v\n", err)
			return 1
		}
	} else {
		renderPreview(opts.Stdout, res)
	}
	if len(res.Dropped) > 0 {
		return 10
	}
	return 0
}

func renderPreview(w io.Writer, res statement.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DATE\tREFERENCE\tAMOUNT\tDESCRIPTION")
	for _, row := range res.Rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.Date.Format("2006-01-02"), row.ReferenceNumber, row.Amount.StringFixed(2), row.Description)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "\n%d rows, total %s\n", len(res.Rows), res.Total().StringFixed(2))
	for _, d := range res.Dropped {
		_, _ = fmt.Fprintf(w, "dropped line %d %s: %s\n", d.Line, d.Reference, d.Reason)
	}
}
