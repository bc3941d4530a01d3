package fingerprint

import "strings"

// Category is a coarse classification of a failure.
type Category string

const (
	CategoryCompile        Category = "compile"
	CategoryTest           Category = "test"
	CategoryLint           Category = "lint"
	CategoryDependency     Category = "dependency"
	CategoryInfrastructure Category = "infrastructure"
	CategoryTimeout        Category = "timeout"
	CategoryUnknown        Category = "unknown"
)

// Classify assigns a category from the job name and normalized log text.
// Log evidence wins over the job name.
func Classify(jobName, text string) Category {
	name := strings.ToLower(jobName)
	lower := strings.ToLower(text)

	switch {
	case containsAny(lower, "timed out", "timeout exceeded", "deadline exceeded", "exceeded the maximum execution time"):
		return CategoryTimeout
	case containsAny(lower, "out of memory", "no space left", "disk full", "signal: killed",
		"dial tcp", "connection refused", "i/o timeout", "temporary failure in name resolution", "tls handshake timeout",
		"command not found", "executable file not found"):
		return CategoryInfrastructure
	case containsAny(lower, "could not resolve dependencies", "no matching version", "cannot find module",
		"missing go.sum entry", "modulenotfounderror", "npm err! code eresolve", "unable to resolve dependency", "404 not found"):
		return CategoryDependency
	case containsAny(lower, "syntax error", "undefined:", "cannot use", "compilation failed", "build failed",
		"error ts", "cannot find symbol", "expected ';'", "syntaxerror"):
		return CategoryCompile
	case containsAny(lower, "--- fail", "assertionerror", "tests failed", "test failed", "failures:", "expected:", "fail\t"):
		return CategoryTest
	case containsAny(lower, "golangci-lint", "eslint", "flake8", "ruff", "prettier", "gofmt", "lint"):
		return CategoryLint
	case strings.Contains(name, "lint") || strings.Contains(name, "vet") || strings.Contains(name, "format"):
		return CategoryLint
	case strings.Contains(name, "test"):
		return CategoryTest
	case strings.Contains(name, "build") || strings.Contains(name, "compile"):
		return CategoryCompile
	default:
		return CategoryUnknown
	}
}

func containsAny(value string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}
