package firewall

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Runner abstracts command execution so the adapter can be exercised in
// tests without ipset/iptables installed.
type Runner interface {
	Run(name string, args ...string) error
	RunOutput(name string, args ...string) (string, error)
	RunQuiet(name string, args ...string) error
	RunOutputQuiet(name string, args ...string) (string, error)
	CommandExists(name string) bool
}

// CommandService provides centralized command execution
type CommandService struct {
	logger zerolog.Logger
}

// NewCommandService creates a new command service
func NewCommandService(logger zerolog.Logger) *CommandService {
	return &CommandService{
		logger: logger,
	}
}

// Run executes a command and returns error if it fails
func (s *CommandService) Run(name string, args ...string) error {
	s.logger.Debug().
		Str("command", name).
		Strs("args", args).
		Msg("Executing command")

	cmd := exec.Command(name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command '%s %s' failed: %w: %s", name, strings.Join(args, " "), err, stderr.String())
	}

	return nil
}

// RunOutput executes a command and returns its combined output
func (s *CommandService) RunOutput(name string, args ...string) (string, error) {
	s.logger.Debug().
		Str("command", name).
		Strs("args", args).
		Msg("Executing command with output")

	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("command '%s %s' failed: %w: %s", name, strings.Join(args, " "), err, string(output))
	}

	return string(output), nil
}

// RunQuiet executes a command without logging errors (useful for existence checks)
func (s *CommandService) RunQuiet(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	return cmd.Run()
}

// RunOutputQuiet executes a command and returns output without logging errors
func (s *CommandService) RunOutputQuiet(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// CommandExists checks if a command is available in PATH
func (s *CommandService) CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
