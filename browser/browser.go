// Package browser opens URLs in the user's default web browser.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"
)

// Opener requests that a URL be opened. Implementations return once the open
// has been requested, not once the user has finished interacting.
type Opener interface {
	Open(url string) error
}

// System opens URLs with the platform's default browser command.
type System struct{}

// Open launches the default browser on Linux, macOS or Windows.
func (System) Open(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	// Start without waiting; the browser keeps running on its own.
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	return nil
}
