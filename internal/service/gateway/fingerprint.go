package gateway

import "regexp"

const (
	minUserAgentLength = 10
	maxUserAgentLength = 512
)

// automatedClients matches user agents of common scripted or headless
// clients. A heuristic filter only; it keeps casual scripts out, nothing
// more.
var automatedClients = regexp.MustCompile(`(?i)(curl|wget|python-requests|python-urllib|go-http-client|java/|libwww|httpclient|okhttp|scrapy|bot|crawler|spider|headless|phantomjs|selenium)`)

// checkFingerprint validates the caller's user-agent fingerprint. Returns a
// human-readable reason when the fingerprint is rejected.
func checkFingerprint(userAgent string) (string, bool) {
	switch {
	case userAgent == "":
		return "user agent is missing", false
	case len(userAgent) < minUserAgentLength:
		return "user agent is too short", false
	case len(userAgent) > maxUserAgentLength:
		return "user agent is too long", false
	case automatedClients.MatchString(userAgent):
		return "automated client detected", false
	}
	return "", true
}
