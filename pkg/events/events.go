// Package events defines the lifecycle event catalog and its wire codec.
//
// Every event is a named tuple of primitives. On the wire an event is a
// msgpack-encoded positional array; the receiving side looks the decoder up
// by event name. Decoders accept shorter tuples than they produce so that
// older producers remain readable (length-based backward compatibility).
package events

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Event is a value published on the bus. Args returns the positional tuple
// in its canonical order; implementations must keep the order stable.
type Event interface {
	Name() string
	Args() []any
}

// SourceManager is the source tag for events produced by the manager itself
// (as opposed to an agent id).
const SourceManager = "manager"

type decoder func(args []any) (Event, error)

var decoders = map[string]decoder{}

func register(name string, d decoder) {
	if _, dup := decoders[name]; dup {
		panic(fmt.Sprintf("events: duplicate decoder for %q", name))
	}
	decoders[name] = d
}

// Marshal encodes the event's argument tuple.
func Marshal(ev Event) ([]byte, error) {
	data, err := msgpack.Marshal(ev.Args())
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", ev.Name(), err)
	}
	return data, nil
}

// Unmarshal decodes an argument tuple for the named event.
func Unmarshal(name string, data []byte) (Event, error) {
	d, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", name)
	}
	var args []any
	if err := msgpack.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("decode %s args: %w", name, err)
	}
	return d(args)
}

// UnmarshalArgs decodes only the raw tuple, for matcher predicates that run
// before the typed decode.
func UnmarshalArgs(data []byte) ([]any, error) {
	var args []any
	if err := msgpack.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	return args, nil
}

// Build constructs the typed event from an already-decoded tuple.
func Build(name string, args []any) (Event, error) {
	d, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", name)
	}
	return d(args)
}

// Known reports whether a decoder is registered for the event name.
func Known(name string) bool {
	_, ok := decoders[name]
	return ok
}
