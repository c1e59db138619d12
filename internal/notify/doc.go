// Package notify sends poll summaries through the notification API gateway.
//
// Messages are PUT as JSON to <url>/<endpoint> and authenticated with the
// x-api-key header. Every message carries a fresh identifier and the short
// host name of the sender.
package notify
