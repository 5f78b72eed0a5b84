package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/graphdrive/graphdrive/drive"
)

// Size unit constants for human-readable formatting.
const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
	sizeGB = 1024 * 1024 * 1024
	sizeTB = 1024 * 1024 * 1024 * 1024
)

// stdoutIsTTY reports whether stdout is an interactive terminal. Piped
// output gets bare tab-separated lines instead of aligned columns, and
// transfer commands skip their progress messages.
func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// formatSize returns a human-readable size string (e.g. "1.2 MB").
func formatSize(bytes int64) string {
	switch {
	case bytes >= sizeTB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/float64(sizeTB))
	case bytes >= sizeGB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(sizeGB))
	case bytes >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(sizeMB))
	case bytes >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(sizeKB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Local().Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Local().Format("Jan _2  2006")
}

// itemKind returns a one-letter type marker for listings.
func itemKind(item drive.Item) string {
	switch {
	case item.IsFolder:
		return "d"
	case item.IsRemote:
		return "r"
	default:
		return "-"
	}
}

// printItemLine writes one listing row for an item. On a terminal the
// columns are aligned by the caller collecting rows; piped output is
// tab-separated for easy scripting.
func printItemLine(item drive.Item) {
	if !stdoutIsTTY() {
		fmt.Printf("%s\t%d\t%s\t%s\n",
			itemKind(item), item.Size, item.ModifiedAt.UTC().Format(time.RFC3339), item.Name)
		return
	}

	fmt.Printf("%s %9s  %s  %s\n",
		itemKind(item), formatSize(item.Size), formatTime(item.ModifiedAt), item.Name)
}

// printItemDetail writes the full metadata view used by stat.
func printItemDetail(item *drive.Item) {
	rows := [][]string{
		{"ID", item.ID},
		{"Name", item.Name},
		{"Size", formatSize(item.Size)},
		{"Modified", formatTime(item.ModifiedAt)},
		{"Created", formatTime(item.CreatedAt)},
	}

	if item.IsFolder {
		count := "unknown"
		if item.ChildCount != drive.ChildCountUnknown {
			count = fmt.Sprintf("%d", item.ChildCount)
		}

		rows = append(rows, []string{"Type", "folder"}, []string{"Children", count})
	} else {
		rows = append(rows, []string{"Type", "file"})

		if item.MimeType != "" {
			rows = append(rows, []string{"MIME", item.MimeType})
		}

		if item.SHA256Hash != "" {
			rows = append(rows, []string{"SHA-256", item.SHA256Hash})
		}
	}

	if item.ETag != "" {
		rows = append(rows, []string{"ETag", item.ETag})
	}

	if item.WebURL != "" {
		rows = append(rows, []string{"URL", item.WebURL})
	}

	for _, row := range rows {
		fmt.Printf("%-9s %s\n", row[0]+":", row[1])
	}
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	// Compute column widths.
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.Join(parts, "  "))
}
