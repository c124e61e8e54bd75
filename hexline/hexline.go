// Package hexline renders bytes as pairs of lines: the printable characters on top and the hex values below.
package hexline

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultWidth is the number of bytes per line pair when no width is given.
const DefaultWidth = 32

// Print writes the lines to standard output.
func Print(contents []byte, base int64, width int) error {
	return Write(os.Stdout, contents, base, width)
}

// Write writes the lines for `contents`, labeling each pair with its offset from `base`.
func Write(out io.Writer, contents []byte, base int64, width int) error {
	for _, line := range Lines(contents, base, width) {
		_, err := io.WriteString(out, line+"\n")
		if err != nil {
			return err
		}
	}
	return nil
}

// Lines returns the lines for `contents`, two per `width` bytes.
func Lines(contents []byte, base int64, width int) []string {
	if width <= 0 {
		width = DefaultWidth
	}

	var result []string
	for start := 0; start < len(contents); start += width {
		end := start + width
		if end > len(contents) {
			end = len(contents)
		}
		label := fmt.Sprintf("0x%06x: ", base+int64(start))

		text := new(strings.Builder)
		hex := new(strings.Builder)
		text.WriteString(label)
		hex.WriteString(label)
		for _, currentByte := range contents[start:end] {
			if currentByte < ' ' || currentByte > '~' {
				text.WriteString("..")
			} else {
				fmt.Fprintf(text, " %c", currentByte)
			}
			fmt.Fprintf(hex, "%02x", currentByte)
		}
		result = append(result, text.String(), hex.String())
	}
	return result
}
