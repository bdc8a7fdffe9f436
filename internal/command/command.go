// Package command implements the Command Interpreter: the "/"-prefixed
// control language carried inside rori/command interactions. Every
// mutation goes through the Identity Model so ownership invariants stay
// enforced in one place; this package only parses, authorizes and formats
// replies.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store"
)

var (
	errMissingArgument = errors.New("command: missing argument")
	errNotRegistered   = errors.New("command: sender is not a registered user")
	errUsernameTaken   = errors.New("command: username is already taken")
)

// Replier delivers a command's JSON reply back to the acting device; cmd/rori
// binds it to a transport.Router. Delivery is
// best-effort: a send failure is logged, never propagated back into the
// mutation that already committed.
type Replier interface {
	SendText(ctx context.Context, hash, body string) error
}

// Interpreter parses the "/"-prefixed command language and applies the
// resulting mutation through the Identity Model.
type Interpreter struct {
	identity *identity.Model
	devices  store.DeviceStorer
	reply    Replier
}

// New builds an Interpreter. reply may be nil, in which case replies are
// computed but never delivered (useful in tests).
func New(id *identity.Model, devices store.DeviceStorer, reply Replier) *Interpreter {
	return &Interpreter{identity: id, devices: devices, reply: reply}
}

// IsCommand reports whether an interaction's datatype routes to the
// Command Interpreter rather than the Module Activation Loop.
func IsCommand(it model.Interaction) bool {
	return it.Datatype == model.DatatypeCommand
}

// Dispatch parses it.Body and applies the matching verb. The interaction's
// DeviceAuthor must already carry bridge sub-author substitution, if any.
func (in *Interpreter) Dispatch(ctx context.Context, it model.Interaction) {
	fields := strings.Fields(it.Body)
	if len(fields) == 0 {
		return
	}

	verb, args := fields[0], fields[1:]
	hash := it.DeviceAuthor.Hash

	var out any
	var err error

	switch verb {
	case "/register":
		out, err = in.register(ctx, it, args)
	case "/add_device":
		out, err = in.addDevice(ctx, it, args)
	case "/rm_device":
		out, err = in.rmDevice(ctx, it, args)
	case "/unregister":
		out, err = in.unregister(ctx, it)
	case "/link":
		out, err = in.link(ctx, it, args)
	case "/add_types":
		out, err = in.editTypes(ctx, hash, args, in.identity.AddDatatypes)
	case "/rm_types":
		out, err = in.editTypes(ctx, hash, args, in.identity.RemoveDatatypes)
	case "/set_types":
		out, err = in.editTypes(ctx, hash, args, in.identity.SetDatatypes)
	case "/bridgify":
		out, err = in.bridgify(ctx, it)
	default:
		return
	}

	if err != nil {
		out = errorReply{Error: err.Error()}
	}

	in.send(ctx, hash, out)
}

type errorReply struct {
	Error string `json:"error"`
}

type registerReply struct {
	Registered bool   `json:"registered"`
	Username   string `json:"username"`
	SubAuthor  string `json:"sa,omitempty"`
}

type deviceReply struct {
	Ok         bool   `json:"ok"`
	Devicename string `json:"devicename,omitempty"`
	Hash       string `json:"hash,omitempty"`
}

type unregisterReply struct {
	Unregistered bool `json:"unregistered"`
}

type typesReply struct {
	Datatypes []string `json:"datatypes"`
}

type bridgifyReply struct {
	Bridge bool `json:"bridge"`
}

type linkReply struct {
	Linked  bool   `json:"linked"`
	Pending bool   `json:"pending"`
	With    string `json:"with,omitempty"`
}

func (in *Interpreter) send(ctx context.Context, hash string, payload any) {
	if in.reply == nil {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal command reply", "error", err)
		return
	}

	if err := in.reply.SendText(ctx, hash, string(body)); err != nil {
		slog.Warn("deliver command reply", "hash", hash, "error", err)
	}
}

// register claims a username for the acting device (or bridge sub-author).
func (in *Interpreter) register(ctx context.Context, it model.Interaction, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errMissingArgument
	}

	name := strings.ToLower(args[0])
	if name == model.ReservedUsername {
		return nil, identity.ErrUsernameReserved
	}

	actingHash := it.DeviceAuthor.Hash
	subAuthor := ""

	if it.DeviceAuthor.IsBridge {
		subAuthor = it.Metadatas["sa"]
		if subAuthor == "" {
			return nil, errors.New("command: bridge registration requires a sub_author")
		}
		// Bridges multiplex many remote identities over one transport hash;
		// each claimed sub-author gets its own device row keyed off a
		// composite hash so the unique-hash invariant still holds.
		actingHash = it.DeviceAuthor.Hash + "#" + subAuthor
	}

	existing, err := in.devices.DevicesByUsername(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, errUsernameTaken
	}

	dev, err := in.identity.AddDevice(ctx, name, actingHash, it.DeviceAuthor.DeviceName)
	if err != nil {
		return nil, err
	}

	if subAuthor != "" {
		if err := in.identity.Bridgify(ctx, dev.Hash, subAuthor); err != nil {
			return nil, err
		}
	}

	return registerReply{Registered: true, Username: name, SubAuthor: subAuthor}, nil
}

// addDevice assigns a devicename to an existing hash (the sender's own, or
// one given explicitly), claiming it for the sender's user.
func (in *Interpreter) addDevice(ctx context.Context, it model.Interaction, args []string) (any, error) {
	if it.DeviceAuthor.Username == "" {
		return nil, errNotRegistered
	}
	if len(args) == 0 {
		return nil, errMissingArgument
	}

	deviceName := args[0]
	hash := it.DeviceAuthor.Hash
	if len(args) > 1 {
		hash = args[1]
	}

	devs, err := in.devices.DevicesByUsername(ctx, it.DeviceAuthor.Username)
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		if d.DeviceName == deviceName {
			return nil, fmt.Errorf("command: devicename %q already exists", deviceName)
		}
	}

	if target, err := in.devices.DeviceByHash(ctx, hash); err == nil {
		if target.Username != "" && target.Username != it.DeviceAuthor.Username {
			return nil, identity.ErrNotOwner
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	dev, err := in.identity.AddDevice(ctx, it.DeviceAuthor.Username, hash, deviceName)
	if err != nil {
		return nil, err
	}

	return deviceReply{Ok: true, Devicename: dev.DeviceName, Hash: dev.Hash}, nil
}

// rmDevice revokes the named hash (the sender's own by default) from the
// sender's user.
func (in *Interpreter) rmDevice(ctx context.Context, it model.Interaction, args []string) (any, error) {
	if it.DeviceAuthor.Username == "" {
		return nil, errNotRegistered
	}

	hash := it.DeviceAuthor.Hash
	if len(args) > 0 {
		hash = args[0]
	}

	if err := in.identity.RemoveDevice(ctx, it.DeviceAuthor.Username, hash); err != nil {
		return nil, err
	}

	return deviceReply{Ok: true, Hash: hash}, nil
}

// unregister revokes every device owned by the sender's user.
func (in *Interpreter) unregister(ctx context.Context, it model.Interaction) (any, error) {
	if it.DeviceAuthor.Username == "" {
		return nil, errNotRegistered
	}

	if err := in.identity.Unregister(ctx, it.DeviceAuthor.Username); err != nil {
		return nil, err
	}

	return unregisterReply{Unregistered: true}, nil
}

// editTypes runs one of AddDatatypes/RemoveDatatypes/SetDatatypes against
// the sender's own device.
func (in *Interpreter) editTypes(ctx context.Context, hash string, args []string, apply func(context.Context, string, []string) error) (any, error) {
	if err := apply(ctx, hash, args); err != nil {
		return nil, err
	}
	return typesReply{Datatypes: args}, nil
}

// bridgify marks the sender's own device as a bridge.
func (in *Interpreter) bridgify(ctx context.Context, it model.Interaction) (any, error) {
	if err := in.identity.Bridgify(ctx, it.DeviceAuthor.Hash, it.DeviceAuthor.SubAuthor); err != nil {
		return nil, err
	}
	return bridgifyReply{Bridge: true}, nil
}

// link runs one step of the two-sided /link handshake. Whichever side
// speaks first parks a PendingLink; the matching counterpart from the
// opposite authentication state completes the move. The registered side
// names the anonymous device's hash; the anonymous side names the target
// username — both calls converge on the same (device_hash, username) slot.
func (in *Interpreter) link(ctx context.Context, it model.Interaction, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errMissingArgument
	}

	authenticatedSide := it.DeviceAuthor.Username != ""
	subAuthor := it.Metadatas["sa"]

	var deviceHash, targetUsername string
	if authenticatedSide {
		deviceHash = args[0]
		targetUsername = it.DeviceAuthor.Username
	} else {
		deviceHash = it.DeviceAuthor.Hash
		targetUsername = strings.ToLower(args[0])
	}

	pl, complete := in.identity.BeginLink(deviceHash, targetUsername, authenticatedSide, subAuthor)
	if !complete {
		return linkReply{Pending: true, With: targetUsername}, nil
	}

	if _, err := in.identity.AddDevice(ctx, targetUsername, deviceHash, ""); err != nil {
		return nil, err
	}

	if sa := subAuthor; sa != "" || pl.SubAuthor != "" {
		if sa == "" {
			sa = pl.SubAuthor
		}
		if err := in.identity.Bridgify(ctx, deviceHash, sa); err != nil {
			return nil, err
		}
	}

	in.identity.ResolveLink(deviceHash, targetUsername)

	return linkReply{Linked: true, With: targetUsername}, nil
}
