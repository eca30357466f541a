package overlay

import (
	"context"
	"errors"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Run shows the overlay on the terminal until the user quits or ctx is
// cancelled. Cancellation is not an error.
func Run(ctx context.Context, opts Options) error {
	output := termenv.NewOutput(os.Stdout)
	lipgloss.SetColorProfile(output.Profile)
	if opts.Clipboard == nil {
		// OSC 52, so it works over SSH.
		opts.Clipboard = output.Copy
	}

	m := New(opts)
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}
