package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/graphdrive/internal/driveops"
	"github.com/tonimelisma/graphdrive/internal/graph"
)

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	if !cc.Flags.Quiet {
		fmt.Fprintf(cc.Err, format, args...)
	}
}

// Size unit constants for human-readable formatting.
const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
	sizeGB = 1024 * 1024 * 1024
	sizeTB = 1024 * 1024 * 1024 * 1024
)

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

	if t.Year() == time.Now().Year() {
		return t.Format("Jan _2 15:04")
	}

	return t.Format("Jan _2  2006")
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
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

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// itemJSON is the JSON output schema for one item.
type itemJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path,omitempty"`
	Size       int64  `json:"size"`
	IsFolder   bool   `json:"is_folder"`
	MimeType   string `json:"mime_type,omitempty"`
	ETag       string `json:"etag,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
	WebURL     string `json:"web_url,omitempty"`
}

func toItemJSON(it *graph.Item) itemJSON {
	out := itemJSON{
		ID:       it.ID,
		Name:     it.Name,
		Path:     it.ParentPath,
		Size:     it.Size,
		IsFolder: it.IsFolder,
		MimeType: it.MimeType,
		ETag:     it.ETag,
		WebURL:   it.WebURL,
	}

	if !it.ModifiedAt.IsZero() {
		out.ModifiedAt = it.ModifiedAt.UTC().Format(time.RFC3339)
	}

	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func printItemsJSON(w io.Writer, items []graph.Item) error {
	out := make([]itemJSON, 0, len(items))
	for i := range items {
		out = append(out, toItemJSON(&items[i]))
	}

	return printJSON(w, out)
}

// printItemsTable sorts folders first, then by name. withPath adds the
// parent path column used by search results.
func printItemsTable(w io.Writer, items []graph.Item, withPath bool) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsFolder != items[j].IsFolder {
			return items[i].IsFolder
		}

		return items[i].Name < items[j].Name
	})

	headers := []string{"NAME", "SIZE", "MODIFIED"}
	if withPath {
		headers = append(headers, "PATH")
	}

	rows := make([][]string, 0, len(items))

	for i := range items {
		name := items[i].Name
		size := formatSize(items[i].Size)

		if items[i].IsFolder {
			name += "/"
			size = "-"
		}

		row := []string{name, size, formatTime(items[i].ModifiedAt)}
		if withPath {
			row = append(row, items[i].ParentPath)
		}

		rows = append(rows, row)
	}

	printTable(w, headers, rows)
}

// progressPrinter renders upload progress on one terminal line. Chunk
// callbacks arrive in order, but put-dir may share one printer between
// tasks, hence the mutex.
type progressPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	label string
}

// newProgress returns a progress callback, or nil when quiet.
func newProgress(w io.Writer, label string, quiet bool) driveops.ProgressFunc {
	if quiet {
		return nil
	}

	p := &progressPrinter{w: w, label: label}

	return p.update
}

func (p *progressPrinter) update(sent, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pct := 100
	if total > 0 {
		pct = int(sent * 100 / total)
	}

	fmt.Fprintf(p.w, "\r%s: %s / %s (%d%%)", p.label, formatSize(sent), formatSize(total), pct)

	if sent >= total {
		fmt.Fprintln(p.w)
	}
}
