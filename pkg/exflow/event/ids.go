package event

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var derivedNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:exflow:event"))

// NewID returns a random event ID.
func NewID() string {
	return uuid.NewString()
}

// DerivedID returns a deterministic event ID for an event produced while
// handling another. The same parts always yield the same ID, so re-running
// a stage re-emits identical IDs and the store drops the duplicates.
func DerivedID(parts ...string) string {
	return uuid.NewSHA1(derivedNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}

// EmissionID is DerivedID for the index-th event emitted by stage while
// handling sourceEventID.
func EmissionID(sourceEventID, stage string, index int) string {
	return DerivedID(sourceEventID, stage, strconv.Itoa(index))
}
