package confirm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// TerminalOptions configures a TerminalConfirmer.
type TerminalOptions struct {
	In  io.Reader
	Out io.Writer
	// AssumeInteractive skips terminal detection on In.
	AssumeInteractive bool
}

// TerminalConfirmer prompts on a terminal with a y/N question. When In is not
// a terminal every request is declined with ErrNotInteractive.
type TerminalConfirmer struct {
	mu          sync.Mutex
	reader      *bufio.Reader
	out         io.Writer
	interactive bool
}

// NewTerminalConfirmer creates a confirmer reading stdin and prompting on stderr.
func NewTerminalConfirmer(optFns ...func(o *TerminalOptions)) *TerminalConfirmer {
	opts := TerminalOptions{
		In:  os.Stdin,
		Out: os.Stderr,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &TerminalConfirmer{
		reader:      bufio.NewReader(opts.In),
		out:         opts.Out,
		interactive: opts.AssumeInteractive || isTerminal(opts.In),
	}
}

// Confirm implements Confirmer. Only "y" and "yes" approve; end of input
// declines.
func (c *TerminalConfirmer) Confirm(ctx context.Context, tool string) (bool, error) {
	if !c.interactive {
		return false, ErrNotInteractive
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintf(c.out, "Allow tool %q to run? [y/N] ", tool); err != nil {
		return false, err
	}

	line, err := c.reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
