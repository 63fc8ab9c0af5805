package utils

import (
	"bytes"
	"os"
	"strings"
)

// CleanString returns data up to the first NUL byte.
func CleanString(data []byte) string {
	nullPos := bytes.IndexByte(data, 0)
	if nullPos == -1 {
		return string(data)
	}
	return string(data[:nullPos])
}

// CleanProcessName turns a kernel task comm into printable text.
func CleanProcessName(data []byte) string {
	str := strings.Map(func(r rune) rune {
		if r < 32 || r > 126 {
			return ' '
		}
		return r
	}, CleanString(data))

	return strings.Join(strings.Fields(str), " ")
}

// GetHostname returns the hostname of the current machine
func GetHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return hostname, nil
}
