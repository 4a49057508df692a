// Package nttype defines the NT4 value type model: the (type number, type
// string) pairs the protocol recognizes, per-type validation of Go values,
// and canonicalization of values decoded from the wire.
package nttype

import "fmt"

// TypeInfo is a protocol type descriptor: a numeric code plus a wire type
// string. Several strings share a code ("string" and "json" are both 4;
// "raw", "rpc", "msgpack" and "protobuf" are all 5), which is why the pair
// travels together instead of the code alone.
type TypeInfo struct {
	Num  int
	Name string
}

// Recognized type descriptors.
var (
	Boolean      = TypeInfo{0, "boolean"}
	Double       = TypeInfo{1, "double"}
	Int          = TypeInfo{2, "int"}
	Float        = TypeInfo{3, "float"}
	String       = TypeInfo{4, "string"}
	JSON         = TypeInfo{4, "json"}
	Raw          = TypeInfo{5, "raw"}
	RPC          = TypeInfo{5, "rpc"}
	MsgPack      = TypeInfo{5, "msgpack"}
	Protobuf     = TypeInfo{5, "protobuf"}
	BooleanArray = TypeInfo{16, "boolean[]"}
	DoubleArray  = TypeInfo{17, "double[]"}
	IntArray     = TypeInfo{18, "int[]"}
	FloatArray   = TypeInfo{19, "float[]"}
	StringArray  = TypeInfo{20, "string[]"}
)

// all lists every recognized descriptor in registration order. The first
// entry for a given Num is that number's canonical descriptor.
var all = []TypeInfo{
	Boolean, Double, Int, Float, String, JSON,
	Raw, RPC, MsgPack, Protobuf,
	BooleanArray, DoubleArray, IntArray, FloatArray, StringArray,
}

var (
	byName map[string]TypeInfo
	byNum  map[int]TypeInfo
)

func init() {
	byName = make(map[string]TypeInfo, len(all))
	byNum = make(map[int]TypeInfo, len(all))
	for _, ti := range all {
		byName[ti.Name] = ti
		if _, ok := byNum[ti.Num]; !ok {
			// First registration is canonical for the number.
			byNum[ti.Num] = ti
		}
	}
}

// Lookup returns the descriptor for a wire type string.
func Lookup(name string) (TypeInfo, bool) {
	ti, ok := byName[name]
	return ti, ok
}

// FromNum returns the canonical descriptor for a wire type number.
func FromNum(num int) (TypeInfo, bool) {
	ti, ok := byNum[num]
	return ti, ok
}

// String returns the wire type string.
func (ti TypeInfo) String() string {
	return ti.Name
}

// Valid reports whether the descriptor is one of the recognized pairs.
func (ti TypeInfo) Valid() bool {
	got, ok := byName[ti.Name]
	return ok && got.Num == ti.Num
}

// ForWire resolves an announced (num, string) pair to a descriptor. Unknown
// strings fall back to the canonical descriptor for the number so values on
// custom wire types ("proto:Pose2d" and friends, all numbered 5) still
// validate as their base kind.
func ForWire(num int, name string) (TypeInfo, error) {
	if ti, ok := byName[name]; ok && ti.Num == num {
		return ti, nil
	}
	if ti, ok := byNum[num]; ok {
		return ti, nil
	}
	return TypeInfo{}, fmt.Errorf("unrecognized type %d %q", num, name)
}
