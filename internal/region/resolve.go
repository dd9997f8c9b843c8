package region

import "strings"

// Target is one question an annotation may be attached to.
type Target struct {
	Key    string // key the question's crop is stored under
	Number string
	Subs   []SubTarget
}

// SubTarget is one subquestion of a Target.
type SubTarget struct {
	Key   string
	Label string // subquestion id as printed, e.g. "a"
}

// Resolve maps an annotation's question number to the key its crop is stored
// under. A top-level number wins; otherwise the label is matched against
// subquestion labels, either bare ("a") or qualified by the parent number
// ("2a", "2.a", "2(a)"). Qualified matches take precedence over bare ones.
// It returns false for an orphan.
func Resolve(targets []Target, number string) (string, bool) {
	label := normalizeLabel(number)
	if label == "" {
		return "", false
	}
	for _, t := range targets {
		if normalizeLabel(t.Number) == label {
			return t.Key, true
		}
	}
	for _, t := range targets {
		parent := normalizeLabel(t.Number)
		if parent == "" {
			continue
		}
		for _, sub := range t.Subs {
			if s := normalizeLabel(sub.Label); s != "" && label == parent+s {
				return sub.Key, true
			}
		}
	}
	for _, t := range targets {
		for _, sub := range t.Subs {
			if normalizeLabel(sub.Label) == label {
				return sub.Key, true
			}
		}
	}
	return "", false
}

// normalizeLabel lowercases and drops separators so "2.a", "2 (a)" and "2a"
// compare equal.
func normalizeLabel(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch r {
		case '.', ' ', '(', ')', '-', '_':
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
