package service

import (
	"fmt"
	"regexp"
	"strings"
)

// classicNames are the alias prefixes handed out in order before numbered
// variants (alice-01, bob-01, ...) kick in.
var classicNames = []string{
	"alice", "bob", "charlie", "dave", "eve", "frank", "grace", "henry",
	"ivy", "jack", "kate", "leo", "mia", "noah", "olivia", "peter",
	"quinn", "rose", "sam", "tara", "uma", "victor", "wendy", "xavier",
	"yara", "zoe",
}

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// projectSlugPattern allows alphanumerics, slashes, underscores, hyphens
// and dots.
var projectSlugPattern = regexp.MustCompile(`^[a-zA-Z0-9/_.\-]+$`)

const projectSlugMaxLength = 256

// ValidateAlias normalizes and checks an agent alias. "me" is reserved as
// the self-reference in agent-facing routes.
func ValidateAlias(alias string) (string, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return "", &ErrValidation{Msg: "alias is required"}
	}
	if strings.EqualFold(alias, "me") {
		return "", &ErrValidation{Msg: `alias "me" is reserved`}
	}
	if !aliasPattern.MatchString(alias) {
		return "", &ErrValidation{Msg: "Invalid alias format"}
	}
	return alias, nil
}

// ValidateProjectSlug normalizes and checks a project slug.
func ValidateProjectSlug(slug string) (string, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return "", &ErrValidation{Msg: "project_slug is required"}
	}
	if len(slug) > projectSlugMaxLength {
		return "", &ErrValidation{Msg: "project_slug too long"}
	}
	if !projectSlugPattern.MatchString(slug) {
		return "", &ErrValidation{Msg: "Invalid project_slug format"}
	}
	return slug, nil
}

// extractNamePrefix reduces an alias to its allocator prefix: "alice-01-dev"
// and "alice-01" both map to "alice-01"; "alice-dev" maps to "alice".
func extractNamePrefix(alias string) string {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return ""
	}
	parts := strings.Split(alias, "-")
	if len(parts) >= 2 && isDigits(parts[1]) {
		return strings.ToLower(parts[0] + "-" + parts[1])
	}
	return strings.ToLower(parts[0])
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// candidateNamePrefixes yields the full allocation order: the 26 classic
// names, then alice-01..zoe-01, alice-02..zoe-02, up to 99.
func candidateNamePrefixes() []string {
	out := make([]string, 0, len(classicNames)*100)
	out = append(out, classicNames...)
	for num := 1; num < 100; num++ {
		for _, name := range classicNames {
			out = append(out, fmt.Sprintf("%s-%02d", name, num))
		}
	}
	return out
}

// usedNamePrefixes collapses existing aliases to their prefixes.
func usedNamePrefixes(existing []string) map[string]struct{} {
	used := make(map[string]struct{}, len(existing))
	for _, alias := range existing {
		if p := extractNamePrefix(alias); p != "" {
			used[p] = struct{}{}
		}
	}
	return used
}

// SuggestNextNamePrefix returns the first unused allocator prefix, or ""
// when all 2626 candidates are taken.
func SuggestNextNamePrefix(existing []string) string {
	used := usedNamePrefixes(existing)
	for _, candidate := range candidateNamePrefixes() {
		if _, taken := used[candidate]; !taken {
			return candidate
		}
	}
	return ""
}
