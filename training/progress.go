package training

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/tsawler/go-nerftrain/tensor"
)

// ProgressBar draws a single-line, carriage-return refreshed progress bar
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out. A nil writer
// disables drawing.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.out == nil {
		return
	}
	if pb.total > 0 {
		pb.current = pb.total
	}
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	if pb.out == nil {
		return
	}

	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		line += fmt.Sprintf(", %.2fit/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.4f", k, pb.metrics[k])
	}
	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// PrintParameterSummary writes one line per parameter followed by totals
func PrintParameterSummary(w io.Writer, params []*tensor.Parameter) {
	frozen := 0
	for _, p := range params {
		mark := ""
		if p.Frozen {
			mark = " (frozen)"
			frozen += p.Numel()
		}
		fmt.Fprintf(w, "  %s: %v%s\n", p.Name, p.Shape, mark)
	}
	trainable := tensor.CountElements(params)
	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(trainable+frozen))
	fmt.Fprintf(w, "Trainable parameters: %s\n", formatParameterCount(trainable))
	fmt.Fprintf(w, "Params size (MB): %.3f\n", float64((trainable+frozen)*4)/1024/1024)
}
