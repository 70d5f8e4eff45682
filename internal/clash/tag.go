// Package clash talks to the Clash Royale API.
package clash

import "strings"

// NormalizeTag upper-cases a player tag and ensures the leading '#'. The
// letter O is mapped to the digit 0, which is how tags are usually mistyped.
func NormalizeTag(tag string) string {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	tag = strings.TrimPrefix(tag, "#")
	if tag == "" {
		return ""
	}
	return "#" + strings.ReplaceAll(tag, "O", "0")
}
