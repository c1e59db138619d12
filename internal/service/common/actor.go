//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"fmt"
	"os"
	"strings"
)

// DetectSource returns the short host name used to label outgoing notifications.
func DetectSource() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}

	return ShortHostname(hostname), nil
}

// ShortHostname drops the domain part of a host name.
func ShortHostname(hostname string) string {
	short, _, _ := strings.Cut(hostname, ".")

	return short
}
