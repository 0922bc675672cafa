// Package display renders the rolling caption window to the terminal.
package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/transcript"
)

// ErrQuit is returned by Run when the viewer closes the window.
var ErrQuit = errors.New("display closed by user")

// Source is the read side of the transcript buffer.
type Source interface {
	Snapshot() transcript.Lines
}

// Runner is a presentation loop.
type Runner interface {
	Run(ctx context.Context) error
}

// New builds the presentation loop named by cfg.Mode.
func New(cfg config.DisplayConfig, lines Source, log *slog.Logger) (Runner, error) {
	switch cfg.Mode {
	case "tui":
		return NewTUI(cfg, lines, log), nil
	case "none":
		return headless{}, nil
	}
	return nil, fmt.Errorf("unknown display mode %q", cfg.Mode)
}

type headless struct{}

func (headless) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// TUI repaints the caption window every frame, whether or not the
// transcript changed since the last one.
type TUI struct {
	title    string
	interval time.Duration
	lines    Source
	log      *slog.Logger

	newScreen func() (tcell.Screen, error)
}

func NewTUI(cfg config.DisplayConfig, lines Source, log *slog.Logger) *TUI {
	return &TUI{
		title:     cfg.Title,
		interval:  time.Duration(cfg.FrameIntervalMS) * time.Millisecond,
		lines:     lines,
		log:       log.With(slog.String("component", "display")),
		newScreen: tcell.NewScreen,
	}
}

// Run owns the terminal until ctx is cancelled or the viewer presses
// Esc, q or Ctrl-C.
func (t *TUI) Run(ctx context.Context) error {
	screen, err := t.newScreen()
	if err != nil {
		return fmt.Errorf("create screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("init screen: %w", err)
	}
	defer screen.Fini()
	screen.HideCursor()

	quit := make(chan struct{})
	go pollEvents(screen, quit)

	var tick <-chan time.Time
	if t.interval > 0 {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	t.log.Info("caption display started", slog.Duration("frame_interval", t.interval))
	for {
		drawFrame(screen, t.title, t.lines.Snapshot())
		screen.Show()

		if tick == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-quit:
				return ErrQuit
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-quit:
			return ErrQuit
		case <-tick:
		}
	}
}

// pollEvents runs until the screen is finalized. quit is closed on the
// first quit key.
func pollEvents(screen tcell.Screen, quit chan<- struct{}) {
	closed := false
	for {
		ev := screen.PollEvent()
		switch ev := ev.(type) {
		case nil:
			return
		case *tcell.EventResize:
			screen.Sync()
		case *tcell.EventKey:
			if !closed && isQuitKey(ev) {
				close(quit)
				closed = true
			}
		}
	}
}

func isQuitKey(ev *tcell.EventKey) bool {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	case tcell.KeyRune:
		return ev.Rune() == 'q' || ev.Rune() == 'Q'
	}
	return false
}

var (
	titleStyle   = tcell.StyleDefault.Foreground(tcell.ColorGray)
	captionStyle = tcell.StyleDefault.Foreground(tcell.ColorWhite).Bold(true)
)

// drawFrame clears the screen and draws the window oldest to newest,
// each line centered, the block vertically centered.
func drawFrame(screen tcell.Screen, title string, lines transcript.Lines) {
	screen.Clear()
	width, height := screen.Size()
	if title != "" {
		drawCentered(screen, 0, width, title, titleStyle)
	}
	top := (height - transcript.Depth) / 2
	for i, line := range lines {
		drawCentered(screen, top+i, width, line, captionStyle)
	}
}

func drawCentered(screen tcell.Screen, y, width int, text string, style tcell.Style) {
	runes := []rune(text)
	if len(runes) > width {
		runes = runes[len(runes)-width:]
	}
	x := (width - len(runes)) / 2
	for i, r := range runes {
		screen.SetContent(x+i, y, r, nil, style)
	}
}
