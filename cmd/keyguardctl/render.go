package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

// painter colours text only when writing to a terminal.
type painter struct {
	enabled bool
}

func newPainter(w io.Writer) painter {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return painter{}
	}
	return painter{enabled: term.IsTerminal(int(f.Fd()))}
}

func (p painter) paint(color, s string) string {
	if !p.enabled {
		return s
	}
	return color + s + colorReset
}

// table renders aligned columns. Widths are display widths, so labels with
// wide runes still line up.
type table struct {
	headers []string
	rows    [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) widths() []int {
	w := make([]int, len(t.headers))
	for i, h := range t.headers {
		w[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(w) {
				w[i] = max(w[i], runewidth.StringWidth(cell))
			}
		}
	}
	return w
}

func (t *table) render(w io.Writer) {
	widths := t.widths()
	line := func(cells []string) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			if i == len(cells)-1 {
				parts[i] = c
			} else {
				parts[i] = runewidth.FillRight(c, widths[i])
			}
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	if len(t.headers) > 0 {
		line(t.headers)
	}
	for _, row := range t.rows {
		line(row)
	}
}

// fields renders label/value pairs with the labels padded to one column.
func fields(w io.Writer, pairs [][2]string) {
	width := 0
	for _, p := range pairs {
		width = max(width, runewidth.StringWidth(p[0]))
	}
	for _, p := range pairs {
		fmt.Fprintf(w, "%s  %s\n", runewidth.FillRight(p[0]+":", width+1), p[1])
	}
}

// fillBar draws n of size slots, e.g. "[#####-----]".
func fillBar(n, size, width int) string {
	if size <= 0 || width <= 0 {
		return ""
	}
	filled := n * width / size
	filled = min(max(filled, 0), width)
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

// terminalWidth returns the width of w when it is a terminal.
func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return 80
}
