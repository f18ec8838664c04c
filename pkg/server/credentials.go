package server

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/aeolun/textrelay/pkg/directory"
)

// LoadCredentials pre-provisions accounts from a credentials file: one
// "username password" pair per line, whitespace separated. Malformed lines
// are skipped with a log line rather than failing startup. Returns the
// number of accounts created.
func LoadCredentials(path string, dir *directory.Directory) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open credentials file: %w", err)
	}
	defer f.Close()

	count := 0
	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			errorLog.Printf("Skipping malformed credentials line %d in %s", lineNo, path)
			continue
		}
		dir.Create(fields[0], fields[1])
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("failed to read credentials file: %w", err)
	}

	return count, nil
}
