package wasmtest

const (
	opUnreachable byte = 0x00
	opLoop        byte = 0x03
	opEnd         byte = 0x0b
	opBr          byte = 0x0c
	opCall        byte = 0x10
	opDrop        byte = 0x1a
	opLocalGet    byte = 0x20
	opGlobalGet   byte = 0x23
	opGlobalSet   byte = 0x24
	opI32Load     byte = 0x28
	opI32Store    byte = 0x36
	opI32Const    byte = 0x41
	opI64Const    byte = 0x42
	opI32Add      byte = 0x6a
	blockEmpty    byte = 0x40
)

// Ops concatenates instruction sequences.
func Ops(seqs ...[]byte) []byte {
	var out []byte
	for _, s := range seqs {
		out = append(out, s...)
	}
	return out
}

func I32Const(v int32) []byte { return appendS64([]byte{opI32Const}, int64(v)) }
func I64Const(v int64) []byte { return appendS64([]byte{opI64Const}, v) }
func Call(idx uint32) []byte  { return appendU32([]byte{opCall}, idx) }
func LocalGet(i uint32) []byte {
	return appendU32([]byte{opLocalGet}, i)
}
func GlobalGet(i uint32) []byte { return appendU32([]byte{opGlobalGet}, i) }
func GlobalSet(i uint32) []byte { return appendU32([]byte{opGlobalSet}, i) }

// I32Load loads from the address on the stack with a 4-byte alignment hint.
func I32Load() []byte { return []byte{opI32Load, 0x02, 0x00} }

// I32Store stores the value on top of the stack at the address below it.
func I32Store() []byte { return []byte{opI32Store, 0x02, 0x00} }

func I32Add() []byte      { return []byte{opI32Add} }
func Drop() []byte        { return []byte{opDrop} }
func Unreachable() []byte { return []byte{opUnreachable} }

// Spin is an infinite loop.
func Spin() []byte {
	return []byte{opLoop, blockEmpty, opBr, 0x00, opEnd}
}
