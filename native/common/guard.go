package common

import "errors"

// ErrModulePaused is returned when a mutation hits a paused module.
var ErrModulePaused = errors.New("module paused")

// PauseView reports the pause switch for a named module.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused. A nil view or empty
// module name never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSet is a static PauseView over a fixed set of paused module names.
type PauseSet map[string]bool

// IsPaused implements PauseView.
func (s PauseSet) IsPaused(module string) bool { return s[module] }
