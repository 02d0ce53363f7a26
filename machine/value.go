package machine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

type ValueType uint8

const (
	I32 ValueType = iota
	I64
	F32
	F64
	RefNull
	FuncRef
	InternalRef
)

func (vt ValueType) String() string {
	switch vt {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case RefNull:
		return "ref.null"
	case FuncRef:
		return "ref.func"
	case InternalRef:
		return "ref.internal"
	default:
		return fmt.Sprintf("invalid<%d>", uint8(vt))
	}
}

// Value is a typed machine value. Contents always occupy a full 256-bit lane
// so that hashing is uniform across types; integer types use the low bits.
type Value struct {
	Type     ValueType   `json:"type"`
	Contents uint256.Int `json:"contents"`
}

func I32Value(v uint32) Value {
	return Value{Type: I32, Contents: *uint256.NewInt(uint64(v))}
}

func I64Value(v uint64) Value {
	return Value{Type: I64, Contents: *uint256.NewInt(v)}
}

func RefNullValue() Value {
	return Value{Type: RefNull}
}

// InternalRefValue packs a (module, function, pc) return address.
func InternalRefValue(module, function, pc uint32) Value {
	packed := uint64(module)<<32 | uint64(function)
	var c uint256.Int
	c.SetUint64(packed)
	c.Lsh(&c, 32)
	c.Or(&c, uint256.NewInt(uint64(pc)))
	return Value{Type: InternalRef, Contents: c}
}

// UnpackInternalRef is the inverse of InternalRefValue.
func (v Value) UnpackInternalRef() (module, function, pc uint32) {
	lo := v.Contents.Uint64()
	var hi uint256.Int
	hi.Rsh(&v.Contents, 64)
	return uint32(hi.Uint64()), uint32(lo >> 32), uint32(lo)
}

func (v Value) Hash() common.Hash {
	contents := v.Contents.Bytes32()
	return crypto.Keccak256Hash([]byte("Value:"), []byte{byte(v.Type)}, contents[:])
}
