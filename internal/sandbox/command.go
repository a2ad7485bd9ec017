package sandbox

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/mattn/go-shellwords"
)

var errShellOperator = errors.New("shell operators require run-as-shell mode")

// buildArgv turns command text into a program and its arguments.
// Shell mode passes the text verbatim to the platform interpreter.
func buildArgv(command string, shell bool) (string, []string, error) {
	if strings.TrimSpace(command) == "" {
		return "", nil, errors.New("empty command")
	}
	if shell {
		name, args := shellInvocation(command)
		return name, args, nil
	}

	parser := shellwords.NewParser()
	words, err := parser.Parse(command)
	if err != nil {
		return "", nil, fmt.Errorf("tokenizing command: %w", err)
	}
	if parser.Position >= 0 {
		return "", nil, errShellOperator
	}
	if len(words) == 0 {
		return "", nil, errors.New("empty command")
	}
	return words[0], words[1:], nil
}

func shellInvocation(command string) (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/c", command}
	}
	return "/bin/sh", []string{"-c", command}
}
