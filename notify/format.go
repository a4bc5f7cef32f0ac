// Package notify turns first sightings into announcements and delivers them.
package notify

import (
	"strings"

	"github.com/onnwee/chatwatch/identity"
)

// TimeLayout renders first-seen timestamps (always UTC).
const TimeLayout = "2006-01-02 15:04:05"

// Formatter renders announcement text. It does no I/O.
type Formatter struct {
	AgentTag string
}

// Format renders the four-line announcement for r. Missing fields leave their segment empty.
func (f Formatter) Format(r identity.Record) string {
	var ts string
	if !r.FirstSeen.IsZero() {
		ts = r.FirstSeen.UTC().Format(TimeLayout)
	}
	var b strings.Builder
	b.WriteString("✨ Name: ")
	b.WriteString(r.DisplayName)
	b.WriteString("\n📺 Channel: ")
	b.WriteString(r.ChannelURL)
	b.WriteString("\n⏰ Date/Time: ")
	b.WriteString(ts)
	b.WriteString("\n🤖 Agent: ")
	b.WriteString(f.AgentTag)
	return b.String()
}

// Delivery builds the notification for r addressed to destination.
// The avatar captured at first sighting, if any, becomes the attachment.
func (f Formatter) Delivery(destination string, r identity.Record) Delivery {
	return Delivery{
		Identity:      r.Identity,
		Destination:   destination,
		Text:          f.Format(r),
		AttachmentURL: r.PayloadString("avatar_url"),
	}
}

// Delivery is one notification. Retries reuse the same value.
type Delivery struct {
	Identity      string
	Destination   string
	Text          string
	AttachmentURL string
}
