package output

import (
	"os"
	"sync"
)

var (
	colorOnce    sync.Once
	colorEnabled bool
)

// IsColorSupported determines if color output should be enabled.
// NO_COLOR wins over FORCE_COLOR; otherwise stdout must be a terminal.
func IsColorSupported() bool {
	colorOnce.Do(func() {
		colorEnabled = detectColorSupport(os.LookupEnv, os.Stdout)
	})
	return colorEnabled
}

func detectColorSupport(lookup func(string) (string, bool), out *os.File) bool {
	// See https://no-color.org/
	if _, ok := lookup("NO_COLOR"); ok {
		return false
	}
	if _, ok := lookup("FORCE_COLOR"); ok {
		return true
	}

	stat, err := out.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice == 0 {
		return false
	}

	term, _ := lookup("TERM")
	return term != "" && term != "dumb"
}
