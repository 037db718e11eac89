// Package authz implements the CernVM-FS authorization helper protocol:
// newline-delimited JSON envelopes exchanged with the cvmfs client over
// stdin/stdout, carrying credential verification requests for client
// processes.
package authz

import "fmt"

// Request identifies the client process on whose behalf authorization is
// requested. It is immutable for the duration of a fetch.
type Request struct {
	PID        int
	UID        int
	GID        int
	Membership string
}

// Ident returns a display string identifying the requesting process.
func (r *Request) Ident() string {
	return fmt.Sprintf("pid=%d uid=%d gid=%d", r.PID, r.UID, r.GID)
}
