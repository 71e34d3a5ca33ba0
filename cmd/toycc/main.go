package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/logrusorgru/aurora"
	"github.com/mileusna/conditional"

	"toycc/internal/ast"
	"toycc/internal/codegen"
	"toycc/internal/lexer"
	"toycc/internal/optimizer"
	"toycc/internal/parser"
	"toycc/internal/semantic"
)

var debugMode = false

func main() {
	os.Exit(run())
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: toycc [options] [input_file]")
	fmt.Fprintln(os.Stderr, "Options:")
	fmt.Fprintln(os.Stderr, "  -opt                 enable AST and IR optimizers")
	fmt.Fprintln(os.Stderr, "  -regalloc=STRATEGY   register allocation: naive (default), linear, graph")
	fmt.Fprintln(os.Stderr, "  --dump-ir            print the three-address IR to stderr")
	fmt.Fprintln(os.Stderr, "  --debug              verbose pass-by-pass dumps to stderr")
	fmt.Fprintln(os.Stderr, "  -h, --help           show this help")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Reads ToyC source from input_file (or stdin when omitted) and writes")
	fmt.Fprintln(os.Stderr, "RV32 assembly to stdout; diagnostics go to stderr.")
}

func run() int {
	enableOpt := false
	dumpIR := false
	strategy := codegen.AllocNaive
	inputFile := ""

	for _, arg := range os.Args[1:] {
		switch {
		case arg == "-opt":
			enableOpt = true
		case arg == "--debug":
			debugMode = true
		case arg == "--dump-ir":
			dumpIR = true
		case strings.HasPrefix(arg, "-regalloc="):
			s, err := codegen.ParseStrategy(arg[len("-regalloc="):])
			if err != nil {
				fmt.Fprintln(os.Stderr, aurora.Red("Error: "+err.Error()))
				printUsage()
				return 1
			}
			strategy = s
		case arg == "-h" || arg == "--help":
			printUsage()
			return 0
		case strings.HasPrefix(arg, "-"):
			fmt.Fprintln(os.Stderr, aurora.Red(fmt.Sprintf("Error: unknown option %q", arg)))
			printUsage()
			return 1
		default:
			inputFile = arg
		}
	}

	source, err := readSource(inputFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, aurora.Red("Error: "+err.Error()))
		return 1
	}
	if strings.TrimSpace(source) == "" {
		fmt.Fprintln(os.Stderr, aurora.Red("Error: no input provided"))
		return 1
	}

	// --- Lexing ---
	printDebug("Starting lexing...")
	tokens, lexErrors := lexer.Lex(source)
	if len(lexErrors) > 0 {
		for _, e := range lexErrors {
			fmt.Fprintln(os.Stderr, aurora.Red("Lex error: "+e.Error()))
		}
		return 1
	}
	if debugMode {
		for _, tok := range tokens {
			fmt.Fprintf(os.Stderr, "[DEBUG] Token %s %q at %d:%d\n", tok.Type, tok.Value, tok.Line, tok.Column)
		}
	}

	// --- Parsing ---
	printDebug("Starting parsing...")
	unit, parseErrors := parser.Parse(tokens)
	if len(parseErrors) > 0 {
		for _, e := range parseErrors {
			fmt.Fprintln(os.Stderr, aurora.Red("Syntax error: "+e.Error()))
		}
		return 1
	}
	if debugMode {
		fmt.Fprintln(os.Stderr, "[DEBUG] --- AST ---")
		fmt.Fprint(os.Stderr, ast.DebugString(unit))
		fmt.Fprintln(os.Stderr, "[DEBUG] --- End AST ---")
	}

	// --- Semantic analysis ---
	printDebug("Starting semantic analysis...")
	diagnostics, table := semantic.Analyze(unit)

	var errCount, warnCount int
	for _, d := range diagnostics {
		if d.Severity == semantic.Warning {
			warnCount++
			fmt.Fprintln(os.Stderr, aurora.Yellow(d.Error()))
		} else {
			errCount++
			fmt.Fprintln(os.Stderr, aurora.Red(d.Error()))
		}
	}
	if errCount > 0 {
		fmt.Fprintf(os.Stderr, "%d %s, %d %s\n",
			errCount, conditional.String(errCount == 1, "error", "errors"),
			warnCount, conditional.String(warnCount == 1, "warning", "warnings"))
		return 1
	}
	if debugMode {
		fmt.Fprintln(os.Stderr, "[DEBUG] --- Symbol table ---")
		spew.Fdump(os.Stderr, table)
	}

	// --- AST optimization ---
	if enableOpt {
		printDebug("Running AST optimizer...")
		rewrites := optimizer.Optimize(unit)
		printDebug(fmt.Sprintf("AST optimizer applied %d rewrite(s).", rewrites))
	}

	// --- IR generation + codegen ---
	printDebug("Starting code generation...")
	opts := codegen.DefaultOptions()
	opts.Optimize = enableOpt
	opts.Strategy = strategy
	result := codegen.Generate(unit, table, opts)

	if dumpIR || debugMode {
		fmt.Fprintln(os.Stderr, "--- IR ---")
		fmt.Fprint(os.Stderr, result.IRDump)
		fmt.Fprintln(os.Stderr, "--- End IR ---")
	}
	if enableOpt {
		printDebug(fmt.Sprintf("IR optimizer applied %d rewrite(s).", result.IrRewrites))
	}

	fmt.Print(result.Asm)
	return 0
}

// readSource loads the input program from a file, or stdin when no file was
// named on the command line.
func readSource(path string) (string, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("cannot read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", path, err)
	}
	return string(data), nil
}

func printDebug(message string) {
	if !debugMode {
		return
	}
	fmt.Fprintln(os.Stderr, "[DEBUG] "+message)
}
