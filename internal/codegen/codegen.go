package codegen

import (
	"toycc/internal/ast"
	"toycc/internal/semantic"
)

// ---------------------------------------------------------------------------
// Options controls the behaviour of the code-generation pipeline.
// ---------------------------------------------------------------------------

// Options configures the codegen pipeline.
type Options struct {
	// Optimize enables the IR-level optimizer.
	Optimize bool

	// Strategy selects the register allocator (naive by default).
	Strategy Strategy

	// OptConfig tunes the IR optimizer when Optimize is set.
	OptConfig OptConfig
}

// DefaultOptions returns the standard configuration: no optimization, naive
// register allocation.
func DefaultOptions() *Options {
	return &Options{
		Strategy:  AllocNaive,
		OptConfig: DefaultOptConfig(),
	}
}

// ---------------------------------------------------------------------------
// Result is returned by Generate with the assembly text and pass artifacts.
// ---------------------------------------------------------------------------

type Result struct {
	Asm        string // final RV32 assembly text
	IRDump     string // human-readable IR (after optimization, if enabled)
	IrRewrites int    // IR-optimizer rewrites applied (0 when disabled)
}

// ---------------------------------------------------------------------------
// Generate — the public entry point for the back half of the pipeline
//
// AST + symbol table → IR (generate) → IR (optimize, optional) → assembly.
// ---------------------------------------------------------------------------

// Generate lowers the analyzed compilation unit to RV32 assembly.
func Generate(unit *ast.CompUnit, table *semantic.SymbolTable, opts *Options) *Result {
	if opts == nil {
		opts = DefaultOptions()
	}

	result := &Result{}

	mod := GenerateIR(unit, table)
	if opts.Optimize {
		result.IrRewrites = OptimizeIR(mod, opts.OptConfig)
	}
	result.IRDump = mod.Dump()
	result.Asm = EmitRiscv32(mod, opts.Strategy)

	return result
}
