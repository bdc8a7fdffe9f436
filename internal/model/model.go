// Package model defines the core RORI domain types shared across the
// identity model, command interpreter, module activation loop, scheduler,
// store and directory packages.
package model

import (
	"fmt"
	"time"
)

// ReservedUsername is the one name that always resolves to the system
// account's own address and can never be claimed by a peer.
const ReservedUsername = "rori"

// Always-implicit datatypes every device can receive regardless of its
// declared Datatypes set.
const (
	DatatypeText    = "text/plain"
	DatatypeCommand = "rori/command"
)

// Account is RORI's own identity on the transport.
type Account struct {
	ID      string
	Hash    string
	Alias   string
	Enabled bool
}

// Device is a (hash, identity) binding — the unit of messaging reachability.
// A zero Username means the device sits in the anonymous pool.
type Device struct {
	ID         int64
	Hash       string
	Username   string
	DeviceName string
	SubAuthor  string
	IsBridge   bool
	Datatypes  []string
}

// String renders a device the way the original rori_core's Device::fmt did:
// "<hash> (<name>)".
func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Hash, d.DeviceName)
}

// Anonymous reports whether the device has not been claimed by a user.
func (d Device) Anonymous() bool {
	return d.Username == ""
}

// AcceptsDatatype reports whether the device declares it can receive dt.
// text/plain and rori/command are always implicit.
func (d Device) AcceptsDatatype(dt string) bool {
	if dt == DatatypeText || dt == DatatypeCommand {
		return true
	}
	for _, t := range d.Datatypes {
		if t == dt {
			return true
		}
	}
	return false
}

// User is a named owner of one or more devices. The anonymous pool is
// represented as a User with an empty Name.
type User struct {
	Name    string
	Devices []Device
}

// Anonymous reports whether this User is the distinguished anonymous pool.
func (u User) Anonymous() bool {
	return u.Name == ""
}

// Module is a pluggable behavior selected by priority/datatype/condition and
// invoked on Interactions.
type Module struct {
	ID        int64
	Name      string
	Priority  int64
	Enabled   bool
	Datatype  string
	Condition string // regex, matched case-insensitively against Interaction.Body
	Path      string // opaque identifier passed to the module runner
}

// ScheduledTask is a persistent (module, parameters, recurrence) triple fired
// by the Scheduler.
type ScheduledTask struct {
	ID        int64
	Module    int64
	Parameter string // JSON-encoded string->string map
	At        string // "HH:MM", optional clock anchor
	Seconds   int64
	Minutes   int64
	Hours     int64
	Days      string // weekday name, "Weekday", numeric stride, or empty
	Repeat    bool
}

// Interaction is an inbound message plus its metadata — the unit of work
// for the module loop. Immutable once constructed.
type Interaction struct {
	DeviceAuthor Device
	Body         string
	Datatype     string
	Metadatas    map[string]string
	Time         time.Time
}

// PendingLink is a transient record held by the Supervisor while the
// two-sided /link protocol is in flight.
type PendingLink struct {
	DeviceHash        string
	TargetUsername    string
	AuthenticatedSide bool
	SubAuthor         string
}

// PendingLinkKey identifies the PendingLink slot a given (hash, username) pair would
// occupy — the two sides of a link share one slot regardless of who spoke
// first.
func PendingLinkKey(hash, username string) string {
	return hash + "\x00" + username
}
