package wasmtr

import (
	"encoding/binary"
	"math"

	"kerr"
)

// Value is the tiny stack machine's only value representation: exactly
// one of the numeric fields or a reference is meaningful, selected by
// Kind.
type Value struct {
	Kind      ValType
	I32       int32
	I64       int64
	F32       float32
	F64       float64
	IsNullRef bool
}

// GlobalLookup resolves a global.get operand to its already-evaluated
// value; only immutable globals may appear here in valid modules.
type GlobalLookup func(index int) (Value, error)

// Eval interprets expr against the const-expr stack machine (§4.L):
// constants, ref.null, and global.get of already-known constants. It
// fails with a *kerr.ConstExprError if the expression does not leave
// exactly one value on the stack.
func Eval(expr ConstExpr, lookup GlobalLookup) (Value, error) {
	r := &byteReader{buf: expr.Ops}
	var stack []Value

loop:
	for r.remaining() > 0 {
		op, err := r.byte()
		if err != nil {
			return Value{}, err
		}
		switch op {
		case 0x41:
			v, err := r.i32()
			if err != nil {
				return Value{}, err
			}
			stack = append(stack, Value{Kind: I32, I32: v})
		case 0x42:
			v, err := r.i64()
			if err != nil {
				return Value{}, err
			}
			stack = append(stack, Value{Kind: I64, I64: v})
		case 0x43:
			b, err := r.bytes(4)
			if err != nil {
				return Value{}, err
			}
			stack = append(stack, Value{Kind: F32, F32: math.Float32frombits(binary.LittleEndian.Uint32(b))})
		case 0x44:
			b, err := r.bytes(8)
			if err != nil {
				return Value{}, err
			}
			stack = append(stack, Value{Kind: F64, F64: math.Float64frombits(binary.LittleEndian.Uint64(b))})
		case 0xD0:
			if _, err := r.byte(); err != nil { // heap type tag, unused
				return Value{}, err
			}
			stack = append(stack, Value{Kind: FuncRef, IsNullRef: true})
		case 0x23:
			idx, err := r.u32()
			if err != nil {
				return Value{}, err
			}
			if lookup == nil {
				return Value{}, kerr.EINVAL
			}
			v, err := lookup(int(idx))
			if err != nil {
				return Value{}, err
			}
			stack = append(stack, v)
		case 0x0B:
			break loop
		default:
			return Value{}, kerr.EINVAL
		}
	}

	if len(stack) != 1 {
		return Value{}, &kerr.ConstExprError{Got: len(stack)}
	}
	return stack[0], nil
}
