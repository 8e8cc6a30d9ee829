// Package inject types text received from the accessory into the active
// application, using robotgo for keystroke simulation or clipboard paste.
package inject

import (
	"fmt"
	"runtime"

	"github.com/go-vgo/robotgo"
)

// TextInjector delivers received text somewhere the user will see it.
type TextInjector interface {
	Inject(text string) error
}

// keyboard is the slice of robotgo the injector drives.
type keyboard interface {
	Type(text string)
	ReadClipboard() (string, error)
	WriteClipboard(text string) error
	KeyTap(key, modifier string) error
}

type robotgoKeyboard struct{}

func (robotgoKeyboard) Type(text string)                  { robotgo.Type(text) }
func (robotgoKeyboard) ReadClipboard() (string, error)    { return robotgo.ReadAll() }
func (robotgoKeyboard) WriteClipboard(text string) error  { return robotgo.WriteAll(text) }
func (robotgoKeyboard) KeyTap(key, modifier string) error { return robotgo.KeyTap(key, modifier) }

// Injector handles typing or pasting text into the active application.
type Injector struct {
	method   string // "type" or "paste"
	kb       keyboard
	modifier string
}

var _ TextInjector = (*Injector)(nil)

// NewInjector creates an Injector with the given method.
// method must be "type" (keystroke simulation) or "paste" (clipboard).
func NewInjector(method string) *Injector {
	return newInjector(method, robotgoKeyboard{}, runtime.GOOS)
}

func newInjector(method string, kb keyboard, goos string) *Injector {
	modifier := "ctrl"
	if goos == "darwin" {
		modifier = "cmd"
	}
	return &Injector{method: method, kb: kb, modifier: modifier}
}

// Inject sends text to the active application using the configured method.
func (inj *Injector) Inject(text string) error {
	if text == "" {
		return nil
	}

	switch inj.method {
	case "paste":
		return inj.paste(text)
	default: // "type"
		inj.kb.Type(text)
		return nil
	}
}

// paste copies text to the clipboard and pastes it with Cmd+V or Ctrl+V.
// Faster for long text; the previous clipboard is restored afterwards.
func (inj *Injector) paste(text string) error {
	prev, _ := inj.kb.ReadClipboard()

	if err := inj.kb.WriteClipboard(text); err != nil {
		return fmt.Errorf("inject: write to clipboard: %w", err)
	}
	if err := inj.kb.KeyTap("v", inj.modifier); err != nil {
		return fmt.Errorf("inject: key tap %s+v: %w", inj.modifier, err)
	}

	// Best effort.
	_ = inj.kb.WriteClipboard(prev)
	return nil
}
