package main

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"investigator/pkg/config"
)

// resolveAPIKey loads the remote agent credential. The environment wins;
// otherwise an encrypted secrets file is unlocked with a password prompted
// on the terminal.
func resolveAPIKey() (string, error) {
	if key := os.Getenv(config.APIKeySecret); key != "" {
		return key, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	if !config.SecretsFileExists(home) {
		return "", fmt.Errorf("set %s or create an encrypted secrets file", config.APIKeySecret)
	}
	if !term.IsTerminal(syscall.Stdin) {
		return "", fmt.Errorf("secrets file requires a terminal to prompt for its password; set %s instead", config.APIKeySecret)
	}

	fmt.Print("Secrets password: ")
	password, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	return config.GetSecret(home, string(password), config.APIKeySecret)
}
