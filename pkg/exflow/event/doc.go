// Package event defines the canonical event model of the exception pipeline.
//
// Every fact about an exception is an immutable Envelope appended to the
// exception's log. The catalog of event types is closed: each Type has a
// registered Schema naming its payload struct, and Validate is the single
// gate an event passes before it may be appended.
//
// Payloads are closed records. Unknown fields are rejected, required fields
// are checked and numeric fields are bounds-checked by the payload's own
// Validate method.
//
// Key pairs the tenant with the exception. Stores, partitioners and queries
// take a Key rather than a bare exception ID, so a lookup without a tenant
// cannot be expressed.
package event
