package main

import "os"

var colorEnabled = isTTY(os.Stdout)

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

func bold(s string) string {
	if !colorEnabled {
		return s
	}
	return ansiBold + s + ansiReset
}

func dim(s string) string {
	if !colorEnabled {
		return s
	}
	return ansiDim + s + ansiReset
}

func colorStatus(s string) string {
	if !colorEnabled {
		return s
	}
	switch s {
	case "running":
		return ansiGreen + s + ansiReset
	case "starting", "stopping":
		return ansiYellow + s + ansiReset
	case "failed":
		return ansiRed + s + ansiReset
	}
	return s
}

func colorKind(s string) string {
	if !colorEnabled {
		return s
	}
	switch s {
	case "stderr":
		return ansiRed + s + ansiReset
	case "system":
		return ansiCyan + s + ansiReset
	}
	return s
}
