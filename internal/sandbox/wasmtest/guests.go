package wasmtest

import "encoding/binary"

// Memory layout shared by the guests below.
const (
	retArea   = 16
	iovec     = 32
	nwritten  = 48
	argvPtrs  = 64
	dataStart = 256
	argvBuf   = 512
	heapStart = 1024
)

var (
	fdWriteParams = []ValType{I32, I32, I32, I32}
	resultI32     = []ValType{I32}
)

func command(m *Module, body ...[]byte) []byte {
	start := m.Func(nil, nil, nil, body...)
	m.Export("_start", start)
	return m.Bytes()
}

// Return is a command whose entry point returns immediately.
func Return() []byte {
	return command(New().Memory(1))
}

// Spinner is a command that never returns.
func Spinner() []byte {
	return command(New().Memory(1), Spin())
}

// Trap is a command that executes unreachable.
func Trap() []byte {
	return command(New().Memory(1), Unreachable())
}

// Exit is a command that calls proc_exit(code).
func Exit(code uint32) []byte {
	m := New()
	procExit := m.Import(WASI, "proc_exit", []ValType{I32}, nil)
	m.Memory(1)
	return command(m, I32Const(int32(code)), Call(procExit))
}

// Echo is a command that writes msg to stdout and returns.
func Echo(msg string) []byte {
	m := New()
	fdWrite := m.Import(WASI, "fd_write", fdWriteParams, resultI32)
	m.Memory(1)

	iov := make([]byte, 8)
	binary.LittleEndian.PutUint32(iov[0:], dataStart)
	binary.LittleEndian.PutUint32(iov[4:], uint32(len(msg)))
	m.Data(iovec, iov).Data(dataStart, []byte(msg))

	return command(m, writeIovec(fdWrite, 1))
}

// Args is a command that writes its NUL-separated argv to stdout.
func Args() []byte {
	m := New()
	sizesGet := m.Import(WASI, "args_sizes_get", []ValType{I32, I32}, resultI32)
	argsGet := m.Import(WASI, "args_get", []ValType{I32, I32}, resultI32)
	fdWrite := m.Import(WASI, "fd_write", fdWriteParams, resultI32)
	m.Memory(1)

	return command(m,
		I32Const(0), I32Const(4), Call(sizesGet), Drop(),
		I32Const(argvPtrs), I32Const(argvBuf), Call(argsGet), Drop(),
		I32Const(iovec), I32Const(argvBuf), I32Store(),
		I32Const(iovec+4), I32Const(4), I32Load(), I32Store(),
		writeIovec(fdWrite, 1),
	)
}

// HostCall is a command that calls the host function module.name once and
// writes the returned payload to stdout. When interval is non-negative the
// function is called with it as its i64 argument.
func HostCall(module, name string, interval int64) []byte {
	m := New()
	fdWrite := m.Import(WASI, "fd_write", fdWriteParams, resultI32)
	params := []ValType{I32}
	args := [][]byte{I32Const(retArea)}
	if interval >= 0 {
		params = []ValType{I64, I32}
		args = [][]byte{I64Const(interval), I32Const(retArea)}
	}
	host := m.Import(module, name, params, nil)
	m.Memory(1)
	addRealloc(m)

	return command(m,
		Ops(args...), Call(host),
		I32Const(iovec), I32Const(retArea), I32Load(), I32Store(),
		I32Const(iovec+4), I32Const(retArea+4), I32Load(), I32Store(),
		writeIovec(fdWrite, 1),
	)
}

// Library is a reactor exporting memory, cabi_realloc and one function
// "call" that invokes module.name with the return area at RetArea. Tests
// drive it directly and read the result from memory.
func Library(module, name string, withInterval bool) []byte {
	m := New()
	params := []ValType{I32}
	callParams := []ValType(nil)
	args := [][]byte{I32Const(retArea)}
	if withInterval {
		params = []ValType{I64, I32}
		callParams = []ValType{I64}
		args = [][]byte{LocalGet(0), I32Const(retArea)}
	}
	host := m.Import(module, name, params, nil)
	m.Memory(1)
	addRealloc(m)
	call := m.Func(callParams, nil, nil, Ops(args...), Call(host))
	m.Export("call", call)
	return m.Bytes()
}

// RetArea is where Library and HostCall guests ask the host to store the
// result pointer and length.
const RetArea = retArea

// addRealloc exports cabi_realloc as a bump allocator that never frees.
func addRealloc(m *Module) {
	heap := m.Global(heapStart)
	realloc := m.Func([]ValType{I32, I32, I32, I32}, resultI32, nil,
		GlobalGet(heap),
		GlobalGet(heap), LocalGet(3), I32Add(), GlobalSet(heap),
	)
	m.Export("cabi_realloc", realloc)
}

func writeIovec(fdWrite uint32, fd int32) []byte {
	return Ops(I32Const(fd), I32Const(iovec), I32Const(1), I32Const(nwritten), Call(fdWrite), Drop())
}
