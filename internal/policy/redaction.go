package policy

import "regexp"

var (
	apiKeyPattern   = regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`)
	keyParamPattern = regexp.MustCompile(`([?&](?:key|access_token)=)[^&\s"']+`)
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern    = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// RedactSecrets masks Google API keys and credential query parameters, e.g.
// in a dial error that echoes the live endpoint URL.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := keyParamPattern.ReplaceAllString(input, "${1}[REDACTED]")
	out = apiKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	return out, out != input
}

// RedactPII masks contact details a pupil might read out loud.
func RedactPII(input string) (redacted string, changed bool) {
	out := emailPattern.ReplaceAllString(input, "[REDACTED_EMAIL]")
	out = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out, out != input
}

// Redact applies RedactSecrets then RedactPII.
func Redact(input string) string {
	out, _ := RedactSecrets(input)
	out, _ = RedactPII(out)
	return out
}
