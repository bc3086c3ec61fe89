package repl

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// pager displays output one screen at a time.
// Space or Enter for next page, q to quit.
func (r *REPL) pager(output string) {
	lines := strings.Split(strings.TrimSuffix(output, "\n"), "\n")

	// Reserve one line for the prompt
	pageSize := max(terminalHeight(r.termFd)-1, 1)

	// Put the terminal in raw mode to read single keys
	stdin := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdin)
	if err != nil {
		_, _ = io.WriteString(r.out, output)
		return
	}
	defer func() { _ = term.Restore(stdin, oldState) }()

	// Raw mode disables output post-processing, so lines end in \r\n.
	for lineIdx := 0; lineIdx < len(lines); {
		end := min(lineIdx+pageSize, len(lines))
		for _, line := range lines[lineIdx:end] {
			fmt.Fprintf(r.out, "%s\r\n", line)
		}
		lineIdx = end
		if lineIdx >= len(lines) {
			break
		}

		remaining := len(lines) - lineIdx
		fmt.Fprintf(r.out, "\033[7m -- %d more lines (space/enter: next, q: quit) -- \033[0m", remaining)

		buf := make([]byte, 1)
		_, _ = os.Stdin.Read(buf)

		// Clear the prompt line
		_, _ = io.WriteString(r.out, "\r\033[K")

		if buf[0] == 'q' || buf[0] == 'Q' {
			return
		}
	}
}

// terminalHeight returns the height of the terminal fd, or a default if
// unavailable.
func terminalHeight(fd int) int {
	_, height, err := term.GetSize(fd)
	if err != nil || height <= 0 {
		return 24
	}
	return height
}
