package results

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// maxPrintedErrors caps the error table.
const maxPrintedErrors = 10

type palette struct {
	title   *color.Color
	label   *color.Color
	ok      *color.Color
	failure *color.Color
	dim     *color.Color
}

func newPalette(useColor bool) *palette {
	p := &palette{
		title:   color.New(color.FgCyan, color.Bold),
		label:   color.New(color.FgBlue),
		ok:      color.New(color.FgGreen),
		failure: color.New(color.FgRed, color.Bold),
		dim:     color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.title, p.label, p.ok, p.failure, p.dim} {
		if useColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// PrintOptions controls Print.
type PrintOptions struct {
	// NoColor disables color even on a terminal.
	NoColor bool

	// Series includes the per-interval throughput table.
	Series bool
}

// Print writes a human-readable report to w. Color is used only when w is
// a terminal.
func Print(w io.Writer, r Report, opts PrintOptions) {
	p := newPalette(!opts.NoColor && IsTerminal(w))

	p.title.Fprintln(w, "\nResults")
	fmt.Fprintf(w, "  %s %d", p.label.Sprint("transactions:"), r.Overall.Count)
	if r.Overall.Failures > 0 {
		fmt.Fprintf(w, "  %s %s", p.label.Sprint("errors:"), p.failure.Sprintf("%d (%.2f%%)", r.Overall.Failures, percent(r.Overall.Failures, r.Overall.Count)))
	} else {
		fmt.Fprintf(w, "  %s %s", p.label.Sprint("errors:"), p.ok.Sprint("0"))
	}
	if r.WallTime > 0 {
		fmt.Fprintf(w, "  %s %s", p.label.Sprint("wall time:"), r.WallTime.Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	p.title.Fprintln(w, "\nUser groups")
	printLatencyTable(w, p, append([]LatencyReport{r.Overall}, r.Groups...))

	if len(r.Timers) > 0 {
		p.title.Fprintln(w, "\nCustom timers")
		printLatencyTable(w, p, r.Timers)
	}

	if opts.Series && len(r.Series) > 0 {
		p.title.Fprintln(w, "\nThroughput")
		for _, b := range r.Series {
			fmt.Fprintf(w, "  %8s  %8d  %s\n", b.Start, b.Count, p.dim.Sprintf("%.2f/s", b.Throughput))
		}
	}

	if len(r.Errors) > 0 {
		p.title.Fprintln(w, "\nErrors")
		for i, e := range r.Errors {
			if i == maxPrintedErrors {
				fmt.Fprintf(w, "  %s\n", p.dim.Sprintf("... %d more", len(r.Errors)-maxPrintedErrors))
				break
			}
			fmt.Fprintf(w, "  %s  %s\n", p.failure.Sprintf("%6d", e.Count), e.Message)
		}
	}
	fmt.Fprintln(w)
}

func printLatencyTable(w io.Writer, p *palette, rows []LatencyReport) {
	width := len("name")
	for _, r := range rows {
		if len(r.Name) > width {
			width = len(r.Name)
		}
	}
	header := fmt.Sprintf("  %-*s %8s %7s %10s %10s %10s %10s %10s %10s", width, "name", "count", "errors", "min", "avg", "p50", "p90", "p95", "max")
	p.label.Fprintln(w, header)
	p.dim.Fprintln(w, "  "+strings.Repeat("-", len(header)-2))

	for _, r := range rows {
		errs := p.ok.Sprintf("%7d", r.Failures)
		if r.Failures > 0 {
			errs = p.failure.Sprintf("%7d", r.Failures)
		}
		fmt.Fprintf(w, "  %-*s %8d %s %10s %10s %10s %10s %10s %10s\n",
			width, r.Name, r.Count, errs,
			formatLatency(r.Min), formatLatency(r.Mean), formatLatency(r.P50),
			formatLatency(r.P90), formatLatency(r.P95), formatLatency(r.Max))
	}
}

func formatLatency(d time.Duration) string {
	switch {
	case d == 0:
		return "-"
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("%.3fs", d.Seconds())
	}
}

func percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}
