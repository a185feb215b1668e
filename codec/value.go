// Package codec implements the self-describing binary format peers use to
// exchange game payloads through the swarm's shared store.
//
// Every encoded node starts with an 8-byte unsigned big-endian type tag
// followed by a tag-specific body. Variable-width bodies (integers, floats,
// strings) carry an 8-byte unsigned length prefix; composites (lists,
// mappings, payloads, world states) recurse child by child. The format is
// deliberately schema-free: producer and consumer only have to agree on the
// nine tags, not on code-level types, so peers running different versions
// can still read each other's outputs.
package codec

// Type tags. These are wire constants shared by every peer in the swarm;
// renumbering them is a protocol break.
const (
	TagList       uint64 = 1
	TagMap        uint64 = 2
	TagString     uint64 = 3
	TagInt        uint64 = 4
	TagFloat      uint64 = 5
	TagBool       uint64 = 6
	TagPayload    uint64 = 7
	TagWorldState uint64 = 8
	TagNone       uint64 = 9
)

// Value is the closed union of everything the wire format can carry.
// The only implementations are the types in this package.
type Value interface {
	tag() uint64
}

// None is the absent value.
type None struct{}

// Bool is a boolean value.
type Bool bool

// Int is a signed integer, encoded with the minimum two's-complement width.
type Int int64

// Float is an IEEE-754 double, always 8 content bytes on the wire.
type Float float64

// String is a UTF-8 string, length-prefixed by byte count.
type String string

// List is an ordered sequence of values.
type List []Value

// Map is a mapping with arbitrary Value keys. It is represented as a pair
// slice because keys may themselves be composites; insertion order is
// preserved on the wire but irrelevant for equality.
type Map []Pair

// Pair is a single Map entry.
type Pair struct {
	Key   Value
	Value Value
}

// Payload is the unit one peer contributes to a round: the state it saw,
// the actions it produced and free-form provenance metadata. All three
// slots are opaque to the codec.
type Payload struct {
	WorldState Value
	Actions    Value
	Metadata   Value
}

// WorldState carries the nested context accompanying a Payload.
type WorldState struct {
	EnvironmentStates Value
	OpponentStates    Value
	PersonalStates    Value
}

func (None) tag() uint64       { return TagNone }
func (Bool) tag() uint64       { return TagBool }
func (Int) tag() uint64        { return TagInt }
func (Float) tag() uint64      { return TagFloat }
func (String) tag() uint64     { return TagString }
func (List) tag() uint64       { return TagList }
func (Map) tag() uint64        { return TagMap }
func (Payload) tag() uint64    { return TagPayload }
func (WorldState) tag() uint64 { return TagWorldState }

// Get returns the value stored under key, using structural equality.
func (m Map) Get(key Value) (Value, bool) {
	for _, p := range m {
		if Equal(p.Key, key) {
			return p.Value, true
		}
	}
	return nil, false
}

// GetString is a convenience lookup for the common string-keyed case.
func (m Map) GetString(key string) (Value, bool) {
	return m.Get(String(key))
}

// Equal reports structural equality of two values. Map comparison is
// order-insensitive, matching the wire contract that mapping insertion
// order carries no meaning.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.tag() != b.tag() {
		return false
	}
	switch av := a.(type) {
	case None:
		return true
	case Bool:
		return av == b.(Bool)
	case Int:
		return av == b.(Int)
	case Float:
		return av == b.(Float)
	case String:
		return av == b.(String)
	case List:
		bv := b.(List)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Map:
		bv := b.(Map)
		if len(av) != len(bv) {
			return false
		}
		for _, p := range av {
			got, ok := bv.Get(p.Key)
			if !ok || !Equal(p.Value, got) {
				return false
			}
		}
		return true
	case Payload:
		bv := b.(Payload)
		return Equal(av.WorldState, bv.WorldState) &&
			Equal(av.Actions, bv.Actions) &&
			Equal(av.Metadata, bv.Metadata)
	case WorldState:
		bv := b.(WorldState)
		return Equal(av.EnvironmentStates, bv.EnvironmentStates) &&
			Equal(av.OpponentStates, bv.OpponentStates) &&
			Equal(av.PersonalStates, bv.PersonalStates)
	}
	return false
}
