package codec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{"none", None{}},
		{"true", Bool(true)},
		{"false", Bool(false)},
		{"zero", Int(0)},
		{"small int", Int(42)},
		{"negative int", Int(-1)},
		{"large negative int", Int(-9223372036854775808)},
		{"large positive int", Int(9223372036854775807)},
		{"byte boundary int", Int(127)},
		{"byte boundary overflow", Int(128)},
		{"negative byte boundary", Int(-128)},
		{"negative byte overflow", Int(-129)},
		{"float", Float(3.14159)},
		{"negative float", Float(-2.5)},
		{"zero float", Float(0)},
		{"empty string", String("")},
		{"string", String("hello swarm")},
		{"utf8 string", String("🐝 round 4")},
		{"empty list", List{}},
		{"list", List{Int(1), String("two"), Float(3.0)}},
		{"nested list", List{List{List{None{}}}}},
		{"empty map", Map{}},
		{"map", Map{
			{Key: String("question"), Value: String("2+2?")},
			{Key: Int(7), Value: List{Bool(true)}},
		}},
		{"payload", Payload{
			WorldState: WorldState{
				EnvironmentStates: Map{
					{Key: String("question"), Value: String("2+2?")},
					{Key: String("metadata"), Value: Map{
						{Key: String("source_dataset"), Value: String("math")},
					}},
				},
				OpponentStates: None{},
				PersonalStates: None{},
			},
			Actions:  List{String("4")},
			Metadata: None{},
		}},
		{"payload list in map", Map{
			{Key: String("question_id"), Value: List{
				Payload{WorldState: None{}, Actions: List{String("a")}, Metadata: None{}},
				Payload{WorldState: None{}, Actions: List{String("b")}, Metadata: None{}},
			}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.value)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			require.True(t, Equal(tt.value, decoded), "decoded %#v, want %#v", decoded, tt.value)

			// Re-encoding the decoded value must reproduce the input bytes.
			reencoded, err := Encode(decoded)
			require.NoError(t, err)
			require.Equal(t, encoded, reencoded)
		})
	}
}

func TestMinimumIntWidth(t *testing.T) {
	tests := []struct {
		value Int
		width uint64
	}{
		{0, 1},
		{1, 1},
		{-1, 1},
		{127, 1},
		{128, 2},
		{-128, 1},
		{-129, 2},
		{32767, 2},
		{32768, 3},
		{1 << 62, 8},
	}

	for _, tt := range tests {
		encoded, err := Encode(tt.value)
		require.NoError(t, err)
		// Layout: 8-byte tag, 8-byte length, content.
		require.Len(t, encoded, 16+int(tt.width), "value %d", tt.value)
		require.Equal(t, tt.width, binary.BigEndian.Uint64(encoded[8:16]), "value %d", tt.value)
	}
}

func TestDecodeAcceptsWiderInts(t *testing.T) {
	// The encoder emits minimum width, but decoders must never assume one.
	var b []byte
	b = binary.BigEndian.AppendUint64(b, TagInt)
	b = binary.BigEndian.AppendUint64(b, 8)
	b = binary.BigEndian.AppendUint64(b, uint64(42))

	v, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, Int(42), v)
}

func TestDecodeTruncated(t *testing.T) {
	full, err := Encode(Payload{
		WorldState: None{},
		Actions:    List{String("an action string")},
		Metadata:   None{},
	})
	require.NoError(t, err)

	// Any strict prefix must fail with ErrTruncated, never panic.
	for cut := 0; cut < len(full); cut++ {
		_, err := Decode(full[:cut])
		require.ErrorIs(t, err, ErrTruncated, "prefix length %d", cut)
	}
}

func TestDecodeLyingLengthPrefix(t *testing.T) {
	var b []byte
	b = binary.BigEndian.AppendUint64(b, TagString)
	b = binary.BigEndian.AppendUint64(b, 1<<40) // claims far more than present
	b = append(b, "short"...)

	_, err := Decode(b)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeUnknownTag(t *testing.T) {
	var b []byte
	b = binary.BigEndian.AppendUint64(b, 99)

	_, err := Decode(b)
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestDecodeInvalidBool(t *testing.T) {
	var b []byte
	b = binary.BigEndian.AppendUint64(b, TagBool)
	b = append(b, 'x')

	_, err := Decode(b)
	require.ErrorIs(t, err, ErrInvalidBool)
}

func TestEncodeNilValue(t *testing.T) {
	_, err := Encode(nil)
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Encode(List{nil})
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDecodeNeverMutatesInput(t *testing.T) {
	encoded, err := Encode(List{String("abc"), Int(-5)})
	require.NoError(t, err)

	snapshot := append([]byte(nil), encoded...)
	_, err = Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, snapshot, encoded)
}

func TestMapEqualityIgnoresOrder(t *testing.T) {
	a := Map{
		{Key: String("x"), Value: Int(1)},
		{Key: String("y"), Value: Int(2)},
	}
	b := Map{
		{Key: String("y"), Value: Int(2)},
		{Key: String("x"), Value: Int(1)},
	}
	require.True(t, Equal(a, b))
	require.False(t, Equal(a, Map{{Key: String("x"), Value: Int(1)}}))
}

func TestFloatFrameIsAlwaysEightBytes(t *testing.T) {
	encoded, err := Encode(Float(1.5))
	require.NoError(t, err)
	require.Len(t, encoded, 24)
	require.Equal(t, uint64(8), binary.BigEndian.Uint64(encoded[8:16]))
}
