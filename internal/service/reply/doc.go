// Package reply recognises inbound messages that answer a campaign email
// and records them against the most recent recipient with the sender's
// address.
package reply
