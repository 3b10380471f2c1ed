package server

import "strings"

// LocalURL returns s when it is a same-origin relative path and "/" otherwise.
// Accepted: "/" alone, "/x" where x is neither '/' nor '\', and "~/...".
func LocalURL(s string) string {
	if isLocalURL(s) {
		return s
	}
	return "/"
}

func isLocalURL(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '/' {
		if len(s) == 1 {
			return true
		}
		return s[1] != '/' && s[1] != '\\'
	}
	return strings.HasPrefix(s, "~/")
}

// appPath maps the app-relative "~/" form onto the site root for redirects.
func appPath(local string) string {
	if strings.HasPrefix(local, "~/") {
		return local[1:]
	}
	return local
}
