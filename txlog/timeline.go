package txlog

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// chartMaxWidth bounds the waterfall chart at 80 character cells.
	chartMaxWidth = 80
	// chartMinScale is the starting time-per-character, 0.5 ms.
	chartMinScale = 0.0005

	// chartRamp is the 11-level intensity ramp, emptiest to fullest. A
	// cell's glyph is chosen by rounding its covered fraction to the
	// nearest of the 11 buckets.
	chartRamp = "`.:;+=xX$&#"

	// chartAttemptFill marks cells that belong to an earlier, aborted
	// attempt on rows of a resumed one.
	chartAttemptFill = '_'
)

// chartScale picks a time-per-character scale so the implied chart width
// fits within chartMaxWidth. Starting from chartMinScale it multiplies by 2
// and 5 alternately, which grows without bound, so the search terminates for
// any duration. The returned width is at least 1.
func chartScale(total time.Duration) (float64, int) {
	// The small epsilon absorbs float error on exact cell boundaries.
	cells := func(scale float64) int {
		return int(math.Ceil(total.Seconds()/scale - 1e-9))
	}

	scale := chartMinScale
	double := true
	for cells(scale) > chartMaxWidth {
		if double {
			scale *= 2
		} else {
			scale *= 5
		}
		double = !double
	}

	width := cells(scale)
	if width < 1 {
		width = 1
	}
	return scale, width
}

// renderBar draws one command's chart cells. Cell i spans the fractional
// time range [i/width, (i+1)/width) of the total duration.
func renderBar(c *Command, total time.Duration, width int, attemptStart time.Duration) []byte {
	buf := make([]byte, width)
	for i := range buf {
		buf[i] = ' '
	}
	if total <= 0 {
		return buf
	}

	start := c.StartOffset
	end := c.EndOffset
	if c.open {
		// Still running at snapshot time; draw up to the chart edge.
		end = total
	}
	if end < start {
		end = start
	}

	if attemptStart > 0 && start >= attemptStart {
		fill := int(float64(attemptStart) / float64(total) * float64(width))
		for i := 0; i < fill && i < width; i++ {
			buf[i] = chartAttemptFill
		}
	}

	fs := float64(start) / float64(total)
	fe := float64(end) / float64(total)

	if fe == fs {
		// Instantaneous command: a single minimal-intensity mark.
		i := int(fs * float64(width))
		if i >= width {
			i = width - 1
		}
		buf[i] = chartRamp[0]
		return buf
	}

	for i := 0; i < width; i++ {
		cs := float64(i) / float64(width)
		ce := float64(i+1) / float64(width)
		ov := math.Min(fe, ce) - math.Max(fs, cs)
		if ov <= 0 {
			continue
		}
		idx := int(math.Round(ov / (ce - cs) * 10))
		if idx > 10 {
			idx = 10
		}
		buf[i] = chartRamp[idx]
	}
	return buf
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func formatScale(scale float64) string {
	return fmt.Sprintf("%g ms", scale*1000)
}

// GetTimingsReport renders the scaled waterfall chart: one row per command
// in arrival order, attempt-boundary separators on OnError rows and a
// summary footer. The chart width adapts to the total duration and stays
// legible from microseconds to seconds. When showCommands is set, each row
// also carries the command's self-description.
//
// Rendering works over a snapshot and may run concurrently with further
// writes to a live log.
func (l *Log) GetTimingsReport(showCommands bool) string {
	cmds := l.Snapshot()
	total := l.Elapsed()
	scale, width := chartScale(total)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction #%d timeline (1 char = %s)\n", l.TransactionID(), formatScale(scale))

	attempt := 1
	var attemptStart time.Duration
	prevStep := int64(-1)
	hasPrev := false

	for _, c := range cmds {
		bar := renderBar(c, total, width, attemptStart)

		stepCol := fmt.Sprintf("%3d", c.Step)
		if hasPrev && c.Step == prevStep {
			// Shares the previous row's step: the two overlapped.
			stepCol = "  :"
		}
		prevStep = c.Step
		hasPrev = true

		mark := byte(' ')
		switch d := c.Duration(); {
		case d >= 10*time.Millisecond:
			mark = '*'
		case d >= time.Millisecond:
			mark = '+'
		}
		errMark := byte(' ')
		if c.Err != nil {
			errMark = '!'
		}

		timing := fmt.Sprintf("T+%9.3f ...", durationMs(c.StartOffset))
		if !c.open {
			timing = fmt.Sprintf("T+%9.3f ~ %9.3f", durationMs(c.StartOffset), durationMs(c.EndOffset))
		}

		size := ""
		switch {
		case c.ResultBytes >= 0:
			size = fmt.Sprintf("%6d rB", c.ResultBytes)
		case c.ArgumentBytes >= 0:
			size = fmt.Sprintf("%6d wB", c.ArgumentBytes)
		}

		fmt.Fprintf(&sb, "| %s | %-11s %s %c%c | %s | %8d us | %s",
			bar, c.Kind.String(), stepCol, mark, errMark, timing, c.Duration().Microseconds(), size)
		if showCommands {
			fmt.Fprintf(&sb, " | %s", c.Describe())
		}
		sb.WriteByte('\n')

		if c.Kind == KindOnError {
			attempt++
			attemptStart = c.EndOffset
			fmt.Fprintf(&sb, "+-%s- attempt #%d\n", strings.Repeat("-", width), attempt)
		}
	}

	if l.Completed() {
		fmt.Fprintf(&sb, "Completed in %.3f ms over %d attempt(s), read %d bytes, committed %d bytes\n",
			durationMs(total), attempt, l.ReadBytes(), l.TotalCommitSize())
	} else {
		fmt.Fprintf(&sb, "Transaction did not finish (after %.3f ms), read %d bytes, committed %d bytes\n",
			durationMs(total), l.ReadBytes(), l.TotalCommitSize())
	}

	return sb.String()
}
