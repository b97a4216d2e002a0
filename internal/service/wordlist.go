package service

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed wordlist.txt
var defaultWordlist []byte

// DefaultWordlist returns the embedded backup-code word list.
func DefaultWordlist() []string {
	words, _ := parseWordlist(defaultWordlist)
	return words
}

// LoadWordlist reads one word per line from path. An empty path yields the
// embedded list.
func LoadWordlist(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultWordlist(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read word list: %w", err)
	}
	return parseWordlist(b)
}

// parseWordlist keeps the first occurrence of each lowercase word and skips
// blank lines and lines starting with #.
func parseWordlist(b []byte) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		w := strings.ToLower(strings.TrimSpace(sc.Text()))
		if w == "" || strings.HasPrefix(w, "#") || strings.ContainsAny(w, " \t") {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out, sc.Err()
}
