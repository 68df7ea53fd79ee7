// Package ui renders the CLI's terminal output: one-line status messages
// and the colored record lines the watch command streams while uploads
// progress.
package ui

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/arcsecond-io/oort/internal/store"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow, color.Bold)
	blue   = color.New(color.FgBlue)
	red    = color.New(color.FgRed)
	faint  = color.New(color.Faint)
)

// Header frames the start of an upload pass, like the banner printed
// before a one-shot upload of a folder.
func Header(text string) {
	line := strings.Repeat("=", 60)
	green.Printf("\n%s\n", line)
	green.Printf("%-60s\n", center(text, 60))
	green.Printf("%s\n\n", line)
}

// Success reports a completed operation, like a finished upload pass or an
// operator action that took effect.
func Success(format string, args ...any) {
	green.Printf("  → "+format+"\n", args...)
}

// Info reports neutral progress, like the folders a watch run covers.
func Info(format string, args ...any) {
	fmt.Printf("  → "+format+"\n", args...)
}

// Warning reports a recoverable problem, like files left failed after a
// pass. The run carries on.
func Warning(format string, args ...any) {
	yellow.Printf("  ⚠ "+format+"\n", args...)
}

// Error reports the failure that is about to end the command.
func Error(format string, args ...any) {
	red.Printf("Error: "+format+"\n", args...)
}

// Record prints one upload record line, colored by its state.
func Record(u *store.Upload) {
	line := fmt.Sprintf("#%-5d %-10s %-30s %s", u.ID, u.Status, u.Substatus, u.FilePath)
	switch {
	case u.Status == store.StatusError:
		red.Println(line)
	case u.IsFinished():
		green.Println(line)
	case u.Status == store.StatusUploading && u.Progress > 0:
		blue.Printf("%s (%.1f%%)\n", line, u.Progress)
	default:
		blue.Println(line)
	}
	if u.Error != "" {
		faint.Printf("       %s\n", u.Error)
	}
}

// Folder prints one watched folder line.
func Folder(key, path string) {
	blue.Printf("  %s  ", key)
	fmt.Println(path)
}

func center(text string, width int) string {
	if len(text) >= width {
		return text
	}
	padding := (width - len(text)) / 2
	return strings.Repeat(" ", padding) + text
}
