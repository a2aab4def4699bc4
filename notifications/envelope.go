package notifications

import (
	"time"

	"github.com/google/uuid"

	"github.com/pkgvault/pkgvault"
)

// Envelope is the wire form of a pkgvault.Event delivered to a webhook
// endpoint: a common shape regardless of which mutation produced it.
type Envelope struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Package   string    `json:"package"`
	Version   string    `json:"version,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Uplink    string    `json:"uplink,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

func toEnvelope(e pkgvault.Event) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Timestamp: e.Timestamp,
		Action:    string(e.Action),
		Package:   e.Package,
		Version:   e.Version,
		Tag:       e.Tag,
		Uplink:    e.Uplink,
		Actor:     e.Actor,
	}
}
