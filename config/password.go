package config

import (
	"syscall"

	"golang.org/x/term"
)

// readPasswordFromTerminal reads a line with echo disabled.
func readPasswordFromTerminal() (string, error) {
	pass, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	return string(pass), nil
}
