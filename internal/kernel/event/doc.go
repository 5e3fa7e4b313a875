// Package event provides kernel-owned auto-reset events addressed by handle.
//
// Channel endpoints allocate one event per side for message notification;
// collections allocate one more to multiplex waits over several endpoints.
// Waiting is the only blocking operation in the channel subsystem.
package event
