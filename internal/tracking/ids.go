package tracking

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns an opaque, unguessable identifier for pixels and links:
// 122 random bits rendered as 32 hex characters.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PixelURL and LinkURL build the public endpoints under base.
func PixelURL(base, id string) string { return strings.TrimRight(base, "/") + "/pixel/" + id }
func LinkURL(base, id string) string  { return strings.TrimRight(base, "/") + "/link/" + id }

// UnsubscribeURL is the one-click opt-out link for a recipient.
func UnsubscribeURL(base, recipientID string) string {
	return strings.TrimRight(base, "/") + "/unsubscribe?recipientId=" + recipientID
}
