package observability

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rahul/clarity/internal/plan"
	"golang.org/x/term"
)

var startTime = time.Now()

var (
	bannerColor = color.New(color.FgHiCyan)
	headerColor = color.New(color.Bold)
	dimColor    = color.New(color.Faint)
)

var statusColors = map[plan.PhaseStatus]*color.Color{
	plan.PhaseComplete:   color.New(color.FgGreen),
	plan.PhaseSkipped:    color.New(color.FgYellow),
	plan.PhaseFailed:     color.New(color.FgRed),
	plan.PhaseInProgress: color.New(color.FgCyan),
	plan.PhasePending:    color.New(color.Faint),
}

var verdictColors = map[plan.SessionStatus]*color.Color{
	plan.SessionSuccess: color.New(color.FgGreen, color.Bold),
	plan.SessionPartial: color.New(color.FgYellow, color.Bold),
	plan.SessionFailed:  color.New(color.FgRed, color.Bold),
}

var radarFrames = []string{"◜", "◝", "◞", "◟"}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func PrintBanner() {
	banner := `
   _____ _        _    ____  ___ _______   __
  / ____| |      / \  |  _ \|_ _|_   _\ \ / /
 | |    | |     / _ \ | |_) || |  | |  \ V /
 | |____| |___ / ___ \|  _ < | |  | |   | |
  \_____|_____/_/   \_\_| \_\___| |_|   |_|

     >> PLANNING-WITH-FILES RESEARCH ENGINE <<
`
	width := termWidth()
	for _, l := range strings.Split(banner, "\n") {
		padding := clamp((width-len(l))/2, 0, width)
		bannerColor.Printf("%s%s\n", strings.Repeat(" ", padding), l)
	}
}

// PrintSessionHeader announces a session before its loop starts.
func PrintSessionHeader(w io.Writer, taskType plan.TaskType, target string) {
	rule := strings.Repeat("=", clamp(termWidth(), 20, 72))
	fmt.Fprintln(w, rule)
	headerColor.Fprintf(w, "%s: %s\n", taskType, target)
	fmt.Fprintln(w, rule)
}

// PrintResult writes the report followed by the execution summary.
func PrintResult(w io.Writer, res *plan.SessionResult) {
	if res == nil {
		return
	}
	width := clamp(termWidth(), 20, 72)
	rule := strings.Repeat("=", width)

	fmt.Fprintln(w)
	fmt.Fprintln(w, rule)
	headerColor.Fprint(w, "Status: ")
	verdictColor(res.Status).Fprintln(w, strings.ToUpper(string(res.Status)))
	fmt.Fprintln(w, rule)

	if res.Report != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, res.Report)
	}
	if res.Error != "" {
		color.New(color.FgRed).Fprintf(w, "\nError: %s\n", res.Error)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", width))
	headerColor.Fprintln(w, "Execution Summary")
	succeeded, failed := 0, 0
	for _, ph := range res.PhaseSummary {
		switch ph.Status {
		case plan.PhaseComplete:
			succeeded++
		case plan.PhaseFailed, plan.PhaseSkipped:
			failed++
		}
		line := fmt.Sprintf("  %-28s %-12s attempts %d", ph.PhaseID, ph.Status, ph.Attempts)
		statusColor(ph.Status).Fprintln(w, line)
		if ph.LastError != nil && ph.Status != plan.PhaseComplete {
			dimColor.Fprintf(w, "      %s\n", ph.LastError.Error())
		}
	}
	fmt.Fprintf(w, "  Total: %d  Succeeded: %d  Failed or skipped: %d  Replans: %d\n",
		len(res.PhaseSummary), succeeded, failed, res.Replans)
	if !res.FinishedAt.IsZero() && !res.StartedAt.IsZero() {
		fmt.Fprintf(w, "  Duration: %v\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	}
	for _, name := range []string{"task_plan", "findings", "progress"} {
		if path, ok := res.Files[name]; ok {
			dimColor.Fprintf(w, "  %s: %s\n", name, path)
		}
	}
	fmt.Fprintln(w, rule)
}

// StatusLine renders the one-line daemon status from a tracker.
func StatusLine(t *Tracker, frame int) string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memMB := float64(m.Alloc) / 1024 / 1024

	active := t.Active()
	pulse := "HEALTHY"
	if delta := time.Since(t.LastHeartbeat()); delta > 90*time.Second {
		pulse = "OFFLINE"
	} else if delta > 40*time.Second {
		pulse = "LAGGING"
	}

	radar := " "
	task := "Waiting..."
	if len(active) > 0 {
		radar = radarFrames[frame%len(radarFrames)]
		task = active[0].Label()
		if len(active) > 1 {
			task = fmt.Sprintf("%s (+%d)", task, len(active)-1)
		}
	}
	if len(task) > 32 {
		task = task[:29] + "..."
	}

	return fmt.Sprintf("[%s] %-7s | sessions %d [%s] %s [%v] %.1fMB",
		t.LastHeartbeat().Format("15:04:05"), pulse, len(active), task, radar,
		time.Since(startTime).Round(time.Second), memMB)
}

func statusColor(s plan.PhaseStatus) *color.Color {
	if c, ok := statusColors[s]; ok {
		return c
	}
	return color.New(color.Reset)
}

func verdictColor(s plan.SessionStatus) *color.Color {
	if c, ok := verdictColors[s]; ok {
		return c
	}
	return color.New(color.Reset)
}
