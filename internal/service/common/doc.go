// Package common holds helpers shared by several services.
//
// It provides the HTTP client that fetches listing pages with per-call
// timeouts, and DetectSource, which names this host in notifications.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
