package mailcrab

import "strings"

// extractEmail pulls the address out of a MAIL FROM / RCPT TO argument of
// the form "<user@host> PARAM=..." and reports whether the argument was
// well-formed. An empty path "<>" is valid (a bounce sender).
func extractEmail(arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "<") {
		end := strings.Index(arg, ">")
		if end < 0 {
			return "", false
		}
		return arg[1:end], true
	}
	// be lenient with clients that omit the angle brackets
	if i := strings.IndexByte(arg, ' '); i >= 0 {
		arg = arg[:i]
	}
	if len(arg) == 0 {
		return "", false
	}
	return arg, true
}
