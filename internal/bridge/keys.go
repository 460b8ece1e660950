package bridge

// Short prefixes keep channel sessions from colliding with the web UI's
// generated context IDs.
var sessionPrefixes = map[string]string{
	"telegram": "tg",
	"discord":  "dc",
	"email":    "em",
	"slack":    "sl",
	"wechat":   "wx",
	"whatsapp": "wa",
	"matrix":   "mx",
}

// SessionKey builds the agent session identifier for a channel user,
// e.g. "tg:456789". Unknown channels use their first two characters.
func SessionKey(channel, userID string) string {
	prefix, ok := sessionPrefixes[channel]
	if !ok {
		prefix = channel
		if len(prefix) > 2 {
			prefix = prefix[:2]
		}
	}
	return prefix + ":" + userID
}
