package progress

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Printer writes samples as console progress lines.
type Printer struct {
	Output io.Writer
	Prefix string
}

// NewPrinter creates a printer writing to out, or os.Stderr if out is nil.
func NewPrinter(out io.Writer, prefix string) *Printer {
	if out == nil {
		out = os.Stderr
	}
	return &Printer{Output: out, Prefix: prefix}
}

// Header prints the source and the expected size.
func (p *Printer) Header(source string, total int64) {
	fmt.Fprintf(p.Output, "%s Downloading: %s\n", p.Prefix, source)
	if total >= 0 {
		fmt.Fprintf(p.Output, "%s Total size: %s\n", p.Prefix, FormatBytes(total))
	}
}

// Print renders one sample, overwriting the previous line until the
// sample is done.
func (p *Printer) Print(s Sample) {
	if s.Done {
		fmt.Fprintf(p.Output, "\r%s Progress: 100.0%% | %s | Speed: %s/s | Complete!    \n",
			p.Prefix,
			FormatBytes(s.Downloaded),
			FormatBytes(int64(s.AvgSpeed)),
		)
		fmt.Fprintf(p.Output, "%s Total time: %s | Average speed: %s/s\n",
			p.Prefix,
			formatDuration(s.Elapsed),
			FormatBytes(int64(s.AvgSpeed)),
		)
		return
	}

	eta := "calculating..."
	if s.Total > 0 && s.Speed > 0 {
		remaining := float64(s.Total - s.Downloaded)
		eta = formatDuration(time.Duration(remaining / s.Speed * float64(time.Second)))
	}

	fmt.Fprintf(p.Output, "\r%s Progress: %d%% | %s / %s | Speed: %s/s | ETA: %s    ",
		p.Prefix,
		s.Percent,
		FormatBytes(s.Downloaded),
		FormatBytes(s.Total),
		FormatBytes(int64(s.Speed)),
		eta,
	)
}
