// Package normalize implements §4.1 of the exception clustering core: message
// normalization (replacing volatile tokens with stable placeholders), the four
// content-derived fingerprints, and error-category derivation.
//
// Normalization is grounded in the placeholder-substitution technique used by
// the retrieval pack's clustering.go (UUID/URL/timestamp/id placeholders),
// generalized here to the full placeholder set spec.md §4.1 requires
// (IP, PATH, EMAIL, JSON, NUMBER in addition).
package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"excluster/pkg/types"
)

// Order matters: greedy patterns (URL) must run before patterns that would
// otherwise match a substring of them (PATH, NUMBER), per spec.md §4.1.
var (
	uuidPattern      = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	urlPattern       = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>]+`)
	emailPattern     = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	pathPattern      = regexp.MustCompile(`(?:(?:\.{1,2})?[/\\][\w.\-]+(?:[/\\][\w.\-]+)+)`)
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+\-]\d{2}:?\d{2})?`)
	ipv4Pattern      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	ipv6Pattern      = regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}\b`)
	jsonPattern      = regexp.MustCompile(`(?s)[{\[][^{}\[\]]*[}\]]`)
	hexIDPattern     = regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`)
	idShapedPattern  = regexp.MustCompile(`(?i)\b(?:id-\d+|user_\d+)\b`)
	numberPattern    = regexp.MustCompile(`\b\d{3,}(?:\.\d+)?\b`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Normalize strips volatile tokens from a raw message and returns the
// normalized form. It never fails: any internal panic is recovered and the
// lowercased original message is returned instead, preserving pipeline
// liveness at the cost of a coarser fingerprint (§4.1 Failure mode).
func Normalize(message string) (normalized string) {
	defer func() {
		if r := recover(); r != nil {
			normalized = strings.ToLower(message)
		}
	}()

	out := message
	out = uuidPattern.ReplaceAllString(out, "<UUID>")
	out = urlPattern.ReplaceAllString(out, "<URL>")
	out = emailPattern.ReplaceAllString(out, "<EMAIL>")
	out = pathPattern.ReplaceAllString(out, "<PATH>")
	out = timestampPattern.ReplaceAllString(out, "<TIMESTAMP>")
	out = ipv6Pattern.ReplaceAllString(out, "<IP>")
	out = ipv4Pattern.ReplaceAllString(out, "<IP>")
	out = jsonPattern.ReplaceAllString(out, "<JSON>")
	out = hexIDPattern.ReplaceAllString(out, "<ID>")
	out = idShapedPattern.ReplaceAllString(out, "<ID>")
	out = numberPattern.ReplaceAllString(out, "<NUMBER>")
	out = strings.ToLower(out)
	out = whitespacePattern.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// categoryRule is one entry of the declared-order keyword table used by
// Category. The first matching pattern wins.
type categoryRule struct {
	pattern  *regexp.Regexp
	category types.ErrorCategory
}

var categoryRules = []categoryRule{
	{regexp.MustCompile(`(?i)\b(connection\s*(refused|reset|closed|failed)|connect(ion)?\s*error|econnrefused)\b`), types.CategoryConnection},
	{regexp.MustCompile(`(?i)\b(timeout|timed\s*out|deadline\s*exceeded)\b`), types.CategoryTimeout},
	{regexp.MustCompile(`(?i)\b(unauthorized|authentication|auth\s*failed|forbidden|invalid\s*credentials|permission\s*denied)\b`), types.CategoryAuth},
	{regexp.MustCompile(`(?i)\b(sql|database|db\s*error|deadlock|constraint\s*violation|duplicate\s*key)\b`), types.CategoryDatabase},
	{regexp.MustCompile(`(?i)\b(network\s*(unreachable|error)|dns|no\s*route\s*to\s*host|socket\s*error)\b`), types.CategoryNetwork},
	{regexp.MustCompile(`(?i)\b(no\s*such\s*file|file\s*not\s*found|enoent|disk\s*full|i/?o\s*error)\b`), types.CategoryFilesystem},
	{regexp.MustCompile(`(?i)\b(out\s*of\s*memory|oom|memory\s*exhausted|heap\s*space)\b`), types.CategoryMemory},
	{regexp.MustCompile(`(?i)\b(null\s*pointer|nullpointerexception|nil\s*pointer|none\s*type|undefined\s*is\s*not)\b`), types.CategoryNull},
	{regexp.MustCompile(`(?i)\b(validation\s*failed|invalid\s*(input|argument|parameter)|bad\s*request)\b`), types.CategoryValidation},
	{regexp.MustCompile(`(?i)\b(rate\s*limit|too\s*many\s*requests|throttled|quota\s*exceeded)\b`), types.CategoryRateLimit},
}

// Category derives the closed-set error category from a raw or normalized
// message using the declared-order keyword table; no match yields UNKNOWN.
func Category(message string) (category types.ErrorCategory) {
	defer func() {
		if r := recover(); r != nil {
			category = types.CategoryUnknown
		}
	}()
	for _, rule := range categoryRules {
		if rule.pattern.MatchString(message) {
			return rule.category
		}
	}
	return types.CategoryUnknown
}

// Fingerprints computes the four-level content hash set described in §3.
// exceptionType and logger may be empty for stack-less, non-exception
// messages; category is derived internally from the normalized message so
// callers never need to compute it twice.
func Fingerprints(message, exceptionType, logger string) types.Fingerprints {
	normalized := Normalize(message)
	category := Category(normalized)

	semanticPrefix := normalized
	if len(semanticPrefix) > 100 {
		semanticPrefix = semanticPrefix[:100]
	}

	return types.Fingerprints{
		Exact:    Hash16(message),
		Template: Hash16(normalized),
		Semantic: Hash16(fmt.Sprintf("%s|%s|%s|%s", exceptionType, category, logger, semanticPrefix)),
		Category: Hash16(fmt.Sprintf("%s|%s", exceptionType, category)),
	}
}

// Hash16 returns a 16-hex-char truncated content hash, per §3's fingerprint
// definition. xxhash is used instead of a cryptographic hash because these
// hashes back a hot clustering-key path, not a security boundary — matching
// the teacher's own choice of xxhash for its dedup cache hot path. Exported
// so internal/extract can apply the same hash to its stack-frame-derived
// fingerprint_static (§4.2).
func Hash16(content string) string {
	sum := xxhash.Sum64String(content)
	return fmt.Sprintf("%016x", sum)
}
