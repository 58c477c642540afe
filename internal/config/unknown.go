package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each section, sorted so suggestions are
// deterministic when two candidates tie.
var knownKeys = map[string][]string{
	"auth":      {"client_id", "client_secret", "tenant_id", "token_cache"},
	"drive":     {"bucket"},
	"logging":   {"log_format", "log_level"},
	"telemetry": {"metrics_exporter", "traces_exporter"},
	"transfers": {
		"bandwidth_limit", "cancel_on_error", "conflict_behavior",
		"io_workers", "max_concurrent_tasks", "multipart_part_size",
	},
}

var knownSectionsList = func() []string {
	out := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		out = append(out, k)
	}

	slices.Sort(out)

	return out
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	reported := map[string]bool{}

	for _, key := range md.Undecoded() {
		// An unknown table is reported once, not once per key inside it.
		if _, known := knownKeys[key[0]]; !known {
			if reported[key[0]] {
				continue
			}

			reported[key[0]] = true
		}

		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	section := key[0]

	fields, ok := knownKeys[section]
	if !ok || len(key) == 1 {
		// A top-level key or an unknown table.
		for _, sec := range knownSectionsList {
			if slices.Contains(knownKeys[sec], section) {
				return fmt.Errorf("config key %q belongs in the [%s] section", section, sec)
			}
		}

		if s := closestMatch(section, knownSectionsList); s != "" {
			return fmt.Errorf("unknown config section %q, did you mean [%s]?", section, s)
		}

		return fmt.Errorf("unknown config section %q", section)
	}

	field := strings.Join(key[1:], ".")

	if s := closestMatch(field, fields); s != "" {
		return fmt.Errorf("unknown config key %q in [%s], did you mean %q?", field, section, s)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Two rows instead of a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
