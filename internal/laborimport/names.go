package laborimport

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var nameSuffixes = map[string]bool{"jr": true, "sr": true, "ii": true, "iii": true, "iv": true}

// PersonName is a worker name split for the registry.
type PersonName struct {
	First string
	Last  string
}

// ParseName splits a timekeeping name into first and last. "Last, First"
// and "First Last" are both accepted; generational suffixes are dropped;
// extra leading tokens stay with the first name; a single token fills
// both fields. All-caps input is title-cased.
func ParseName(raw string) PersonName {
	raw = strings.Join(strings.Fields(raw), " ")
	if raw == "" {
		return PersonName{}
	}

	var first, last string
	if strings.Contains(raw, ",") {
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if isSuffix(strings.TrimSpace(p)) {
				continue
			}
			if p = stripSuffixes(p); p != "" {
				parts = append(parts, p)
			}
		}
		switch len(parts) {
		case 0:
			first, last = raw, raw
		case 1:
			first, last = parts[0], parts[0]
		default:
			last, first = parts[0], strings.Join(parts[1:], " ")
		}
	} else {
		tokens := strings.Fields(stripSuffixes(raw))
		switch len(tokens) {
		case 0:
			first, last = raw, raw
		case 1:
			first, last = tokens[0], tokens[0]
		default:
			first = strings.Join(tokens[:len(tokens)-1], " ")
			last = tokens[len(tokens)-1]
		}
	}

	return PersonName{First: titleIfShouting(first), Last: titleIfShouting(last)}
}

// stripSuffixes removes Jr./Sr./II/III/IV tokens unless that would leave
// nothing.
func stripSuffixes(s string) string {
	tokens := strings.Fields(s)
	kept := tokens[:0:0]
	for _, t := range tokens {
		if !isSuffix(t) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return strings.Join(tokens, " ")
	}
	return strings.Join(kept, " ")
}

func isSuffix(token string) bool {
	return nameSuffixes[strings.ToLower(strings.TrimSuffix(token, "."))]
}

func titleIfShouting(s string) string {
	if s == "" || s != strings.ToUpper(s) || s == strings.ToLower(s) {
		return s
	}
	return cases.Title(language.English).String(strings.ToLower(s))
}
