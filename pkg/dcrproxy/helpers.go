package dcrproxy

import "strings"

func splitScopes(scope string) []string {
	return strings.Fields(scope)
}
