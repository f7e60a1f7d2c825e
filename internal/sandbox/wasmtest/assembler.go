// Package wasmtest assembles small WebAssembly modules for tests.
//
// It covers the subset of the binary format the sandbox tests need: function
// imports, one exported memory, mutable i32 globals, active data segments
// and exported functions whose bodies are written with the op helpers.
package wasmtest

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

// WASI is the import module name of WASI preview1.
const WASI = "wasi_snapshot_preview1"

type funcType struct {
	params, results []ValType
}

type importEntry struct {
	module, name string
	typeIdx      uint32
}

type function struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type dataSegment struct {
	offset uint32
	bytes  []byte
}

// Module is a module under construction. Imports must be declared before any
// function is added so function indices stay stable.
type Module struct {
	types   []funcType
	imports []importEntry
	funcs   []function
	exports []export
	globals []int32
	data    []dataSegment
	memory  uint32
}

// New returns an empty module.
func New() *Module {
	return &Module{}
}

func (m *Module) addType(params, results []ValType) uint32 {
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	m.imports = append(m.imports, importEntry{module: module, name: name, typeIdx: m.addType(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func adds a function and returns its index. The terminating end opcode is
// appended to body.
func (m *Module) Func(params, results, locals []ValType, body ...[]byte) uint32 {
	m.funcs = append(m.funcs, function{
		typeIdx: m.addType(params, results),
		locals:  locals,
		body:    append(Ops(body...), opEnd),
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Export exports function idx under name.
func (m *Module) Export(name string, idx uint32) *Module {
	m.exports = append(m.exports, export{name: name, kind: 0x00, idx: idx})
	return m
}

// Memory declares memory 0 with pages initial pages and exports it as
// "memory".
func (m *Module) Memory(pages uint32) *Module {
	m.memory = pages
	m.exports = append(m.exports, export{name: "memory", kind: 0x02, idx: 0})
	return m
}

// Global adds a mutable i32 global and returns its index.
func (m *Module) Global(init int32) uint32 {
	m.globals = append(m.globals, init)
	return uint32(len(m.globals) - 1)
}

// Data places b at offset in memory 0 at instantiation.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, dataSegment{offset: offset, bytes: b})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types []byte
	for _, t := range m.types {
		types = append(types, 0x60)
		types = appendValTypes(types, t.params)
		types = appendValTypes(types, t.results)
	}
	out = appendSection(out, 1, len(m.types), types)

	if len(m.imports) > 0 {
		var imports []byte
		for _, im := range m.imports {
			imports = appendName(imports, im.module)
			imports = appendName(imports, im.name)
			imports = append(imports, 0x00)
			imports = appendU32(imports, im.typeIdx)
		}
		out = appendSection(out, 2, len(m.imports), imports)
	}

	var funcs []byte
	for _, f := range m.funcs {
		funcs = appendU32(funcs, f.typeIdx)
	}
	out = appendSection(out, 3, len(m.funcs), funcs)

	if m.memory > 0 {
		out = appendSection(out, 5, 1, appendU32([]byte{0x00}, m.memory))
	}

	if len(m.globals) > 0 {
		var globals []byte
		for _, g := range m.globals {
			globals = append(globals, byte(I32), 0x01)
			globals = append(globals, I32Const(g)...)
			globals = append(globals, opEnd)
		}
		out = appendSection(out, 6, len(m.globals), globals)
	}

	var exports []byte
	for _, e := range m.exports {
		exports = appendName(exports, e.name)
		exports = append(exports, e.kind)
		exports = appendU32(exports, e.idx)
	}
	out = appendSection(out, 7, len(m.exports), exports)

	var code []byte
	for _, f := range m.funcs {
		var body []byte
		body = appendU32(body, uint32(len(f.locals)))
		for _, l := range f.locals {
			body = append(body, 0x01, byte(l))
		}
		body = append(body, f.body...)
		code = appendU32(code, uint32(len(body)))
		code = append(code, body...)
	}
	out = appendSection(out, 10, len(m.funcs), code)

	if len(m.data) > 0 {
		var data []byte
		for _, d := range m.data {
			data = append(data, 0x00)
			data = append(data, I32Const(int32(d.offset))...)
			data = append(data, opEnd)
			data = appendU32(data, uint32(len(d.bytes)))
			data = append(data, d.bytes...)
		}
		out = appendSection(out, 11, len(m.data), data)
	}

	return out
}

func appendSection(out []byte, id byte, count int, content []byte) []byte {
	payload := appendU32(nil, uint32(count))
	payload = append(payload, content...)
	out = append(out, id)
	out = appendU32(out, uint32(len(payload)))
	return append(out, payload...)
}

func appendValTypes(out []byte, vts []ValType) []byte {
	out = appendU32(out, uint32(len(vts)))
	for _, v := range vts {
		out = append(out, byte(v))
	}
	return out
}

func appendName(out []byte, s string) []byte {
	out = appendU32(out, uint32(len(s)))
	return append(out, s...)
}

func appendU32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func appendS64(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

