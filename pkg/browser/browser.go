// Package browser opens the pages served by topicfeed in the default browser.
package browser

import (
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// Launcher starts name with args without waiting for it to exit.
type Launcher func(name string, args ...string) error

func startCommand(name string, args ...string) error {
	return exec.Command(name, args...).Start() // #nosec G204 -- URL validated by OpenWith
}

// Open opens rawURL in the default browser.
func Open(rawURL string) error {
	return OpenWith(startCommand, runtime.GOOS, rawURL)
}

// OpenWith validates rawURL and hands the platform's opener command to launch.
// Only absolute http and https URLs are accepted, so nothing but a web page
// ever reaches the shell helper.
func OpenWith(launch Launcher, goos, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme: %s (only http and https allowed)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", rawURL)
	}

	name, args, err := opener(goos, u.String())
	if err != nil {
		return err
	}
	return launch(name, args...)
}

func opener(goos, target string) (string, []string, error) {
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{target}, nil
	case "darwin":
		return "open", []string{target}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}, nil
	default:
		return "", nil, fmt.Errorf("unsupported platform: %s", goos)
	}
}
