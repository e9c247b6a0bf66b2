// Package identity resolves an inbound request to client and user identity
// by trying a fixed list of header/query sources in order, first non-empty
// wins. No single source is trusted exclusively because different Emby and
// Jellyfin client versions send the same information in different shapes.
package identity

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Fingerprint is the set of identity attributes extracted from one request.
// user_id and device_id may later be back-filled by the policy engine from
// the token map / device-to-user fallback (stage 3 of the access pipeline).
type Fingerprint struct {
	ClientIP      string
	ClientName    string
	ClientVersion string
	DeviceID      string
	DeviceName    string
	UserID        string
	Token         string
	PlaySessionID string
	URI           string
	Method        string
}

var embyAuthPairRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

// parseEmbyAuth parses the X-Emby-Authorization / Authorization header shape
// `MediaBrowser Client="Infuse", Device="iPhone", DeviceId="D1", Version="1.0", Token="T1", UserId="U1"`
// into a case-insensitive key/value map.
func parseEmbyAuth(header string) map[string]string {
	out := map[string]string{}
	for _, m := range embyAuthPairRe.FindAllStringSubmatch(header, -1) {
		out[strings.ToLower(m[1])] = m[2]
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func queryDecoded(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			if decoded, err := url.QueryUnescape(v); err == nil {
				return decoded
			}
			return v
		}
	}
	return ""
}

// userAgentClient extracts the client name (the token before the first "/")
// and a numeric version (N.N.N or N.N) from a User-Agent string.
var uaVersionRe = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)

func userAgentClient(ua string) string {
	if i := strings.Index(ua, "/"); i > 0 {
		return ua[:i]
	}
	return ""
}

func userAgentVersion(ua string) string {
	m := uaVersionRe.FindString(ua)
	return m
}

// Extract builds a Fingerprint from the raw request. It never consults the
// store; back-fill via token_map / device_user happens separately.
func Extract(r *http.Request) Fingerprint {
	q := r.URL.Query()

	embyAuth := parseEmbyAuth(r.Header.Get("X-Emby-Authorization"))
	auth := parseEmbyAuth(r.Header.Get("Authorization"))
	ua := r.Header.Get("User-Agent")

	clientName := firstNonEmpty(
		embyAuth["client"],
		auth["client"],
		r.Header.Get("X-Emby-Client"),
		q.Get("X-Emby-Client"),
		userAgentClient(ua),
	)

	clientVersion := firstNonEmpty(
		embyAuth["version"],
		auth["version"],
		r.Header.Get("X-Emby-Client-Version"),
		userAgentVersion(ua),
	)

	deviceID := firstNonEmpty(
		embyAuth["deviceid"],
		auth["deviceid"],
		queryDecoded(q, "DeviceId", "deviceId"),
	)

	deviceName := firstNonEmpty(
		embyAuth["device"],
		auth["device"],
	)

	userID := firstNonEmpty(
		embyAuth["userid"],
		auth["userid"],
		queryDecoded(q, "UserId", "userId"),
	)

	token := firstNonEmpty(
		r.Header.Get("X-Emby-Token"),
		embyAuth["token"],
		auth["token"],
		queryDecoded(q, "X-Emby-Token", "api_key"),
	)

	playSessionID := queryDecoded(q, "PlaySessionId", "playSessionId")

	ip := clientIP(r)

	return Fingerprint{
		ClientIP:      ip,
		ClientName:    clientName,
		ClientVersion: clientVersion,
		DeviceID:      deviceID,
		DeviceName:    deviceName,
		UserID:        userID,
		Token:         token,
		PlaySessionID: playSessionID,
		URI:           r.URL.Path,
		Method:        r.Method,
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		return host[:i]
	}
	return host
}

var numSplitRe = regexp.MustCompile(`\d+`)

// IsSufficient compares two dotted version strings numerically,
// component-by-component, padding the shorter with zeros. Either input
// missing returns false.
func IsSufficient(current, required string) bool {
	if current == "" || required == "" {
		return false
	}
	curParts := numSplitRe.FindAllString(current, -1)
	reqParts := numSplitRe.FindAllString(required, -1)

	n := len(curParts)
	if len(reqParts) > n {
		n = len(reqParts)
	}
	for i := 0; i < n; i++ {
		c := partAt(curParts, i)
		want := partAt(reqParts, i)
		if c != want {
			return c > want
		}
	}
	return true
}

func partAt(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	v, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return v
}
