package listing

import "strings"

// Allowlist restricts which stations of a network are kept.
// An empty Allowlist keeps every station.
type Allowlist []string

// Permits reports whether name contains at least one entry as a substring.
func (a Allowlist) Permits(name string) bool {
	if len(a) == 0 {
		return true
	}

	for _, entry := range a {
		if strings.Contains(name, entry) {
			return true
		}
	}

	return false
}

// Allowlists maps a network code to its Allowlist.
type Allowlists map[string]Allowlist

// For returns the allowlist of network, or an empty one when none is configured.
func (m Allowlists) For(network string) Allowlist {
	return m[network]
}
