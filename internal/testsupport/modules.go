package testsupport

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// WriteModuleScript writes an executable /bin/sh script named name into dir
// and returns its path.
func WriteModuleScript(t testing.TB, dir, name, body string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	target := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
		t.Fatalf("write module %s: %v", name, err)
	}
	return target
}

// CountingModuleBody returns a script body that appends one line to
// counterPath per invocation, sleeps for sleepSeconds, and writes a single
// file named outName into the staging directory.
func CountingModuleBody(counterPath, outName string, sleepSeconds float64) string {
	var b strings.Builder
	b.WriteString("echo run >> '" + counterPath + "'\n")
	if sleepSeconds > 0 {
		b.WriteString("sleep " + strconv.FormatFloat(sleepSeconds, 'f', -1, 64) + "\n")
	}
	b.WriteString("echo \"$SLUG_OPTIONS\" > \"$SLUG_OUTPUT/" + outName + "\"\n")
	return b.String()
}

// CountLines returns the number of lines in path, or zero if it is missing.
func CountLines(t testing.TB, path string) int {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Count(string(data), "\n")
}
