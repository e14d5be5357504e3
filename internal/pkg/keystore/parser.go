package keystore

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Candidate is one line of a plain secrets file.
type Candidate struct {
	Secret string
	Label  string
}

// ParseSecrets reads a plain secrets file: one secret per line, optionally
// followed by a free-form label. Blank lines and lines starting with # are
// ignored. Lines that fail validation are reported and skipped.
func ParseSecrets(r io.Reader) ([]Candidate, []error) {
	var out []Candidate
	var errs []error

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		secret, label := fields[0], strings.Join(fields[1:], " ")

		if err := Validate(secret); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNum, err))
			continue
		}
		out = append(out, Candidate{Secret: secret, Label: label})
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("read error: %w", err))
	}
	return out, errs
}

// AddAll adds every candidate, returning how many were accepted.
func (s *Store) AddAll(candidates []Candidate) (int, error) {
	added := 0
	for _, c := range candidates {
		if _, err := s.add(c.Secret, c.Label, timeNow()); err != nil {
			return added, err
		}
		added++
	}
	return added, s.persist()
}
