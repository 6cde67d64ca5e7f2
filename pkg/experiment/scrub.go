package experiment

import (
	"regexp"

	"github.com/blackcoderx/havoc/pkg/types"
)

// sensitiveKeyPatterns match configuration keys that typically hold
// sensitive values.
var sensitiveKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)`),
	regexp.MustCompile(`(?i)(secret[_-]?key|secretkey)`),
	regexp.MustCompile(`(?i)(auth[_-]?token|authtoken)`),
	regexp.MustCompile(`(?i)(access[_-]?token|accesstoken)`),
	regexp.MustCompile(`(?i)(password|passwd|pwd)`),
	regexp.MustCompile(`(?i)(private[_-]?key|privatekey)`),
	regexp.MustCompile(`(?i)(client[_-]?secret|clientsecret)`),
	regexp.MustCompile(`(?i)^token$`),
	regexp.MustCompile(`(?i)^secret$`),
	regexp.MustCompile(`(?i)^credentials?$`),
	regexp.MustCompile(`(?i)authorization`),
}

const redacted = "********"

// ScrubSecrets redacts the experiment's secrets section and any
// sensitive-looking configuration values from the journal's experiment
// snapshot, so journals can be shared without leaking credentials. The
// live experiment map is left untouched.
func ScrubSecrets(journal types.Journal) types.Journal {
	snapshot, ok := journal["experiment"].(map[string]any)
	if !ok {
		return journal
	}
	clean := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		clean[k] = v
	}

	if secrets, ok := clean["secrets"].(map[string]any); ok {
		clean["secrets"] = scrubMap(secrets, true)
	}
	if configuration, ok := clean["configuration"].(map[string]any); ok {
		clean["configuration"] = scrubMap(configuration, false)
	}

	journal["experiment"] = clean
	return journal
}

// scrubMap redacts a mapping: everything when all is set, otherwise only
// values under sensitive-looking keys. Nested mappings redact recursively.
func scrubMap(m map[string]any, all bool) map[string]any {
	clean := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			clean[k] = scrubMap(nested, all || isSensitiveKey(k))
			continue
		}
		if all || isSensitiveKey(k) {
			if v != nil && v != "" {
				clean[k] = redacted
				continue
			}
		}
		clean[k] = v
	}
	return clean
}

func isSensitiveKey(key string) bool {
	for _, pattern := range sensitiveKeyPatterns {
		if pattern.MatchString(key) {
			return true
		}
	}
	return false
}
