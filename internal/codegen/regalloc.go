package codegen

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Register allocation
//
// Three strategies share one interface: given a function body, produce a
// name→register assignment for the IR names worth keeping in registers.
// Names left out of the map live in stack slots.
//
// The allocatable pool is the callee-saved s1..s11. Values parked there
// survive calls without caller-side spills; the emitter saves and restores
// exactly the s-registers a function actually uses. s0 is the frame pointer
// and never allocated; zero/sp/gp/tp/ra are reserved by the ABI; t0..t6 are
// the emitter's per-instruction scratch; a0..a7 carry arguments and results
// across call boundaries.
// ---------------------------------------------------------------------------

// Strategy selects how registers are assigned to IR names.
type Strategy int

const (
	AllocNaive Strategy = iota
	AllocLinearScan
	AllocGraphColor
)

func (s Strategy) String() string {
	switch s {
	case AllocNaive:
		return "naive"
	case AllocLinearScan:
		return "linear"
	case AllocGraphColor:
		return "graph"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a CLI spelling to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "naive":
		return AllocNaive, nil
	case "linear":
		return AllocLinearScan, nil
	case "graph":
		return AllocGraphColor, nil
	}
	return AllocNaive, fmt.Errorf("unknown register allocation strategy %q (want naive, linear, or graph)", name)
}

// allocatableRegs is the assignment pool, lowest index preferred.
var allocatableRegs = []string{
	"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10", "s11",
}

// AllocateRegisters dispatches to the selected strategy. Naive keeps every
// name on the stack and returns an empty map.
func AllocateRegisters(body []Instr, strategy Strategy) map[string]string {
	switch strategy {
	case AllocLinearScan:
		return linearScanAllocate(body)
	case AllocGraphColor:
		return graphColorAllocate(body)
	default:
		return map[string]string{}
	}
}

// ---------------------------------------------------------------------------
// Live intervals
// ---------------------------------------------------------------------------

// liveInterval is the [first definition, last use] range of one name over
// the linearized instruction order.
type liveInterval struct {
	name  string
	start int
	end   int
}

// computeLiveIntervals builds one interval per name, sorted by start. Label
// positions are linear indexes like any other instruction, so an interval
// spanning a loop body covers every iteration's uses.
func computeLiveIntervals(body []Instr) []liveInterval {
	first := map[string]int{}
	last := map[string]int{}

	touch := func(name string, idx int) {
		if _, ok := first[name]; !ok {
			first[name] = idx
		}
		last[name] = idx
	}

	for idx, in := range body {
		if def, ok := in.Def(); ok {
			touch(def, idx)
		}
		for _, use := range in.Uses() {
			touch(use, idx)
		}
	}

	// Widen intervals across backward jumps: a name live anywhere inside a
	// loop stays live for the whole loop span.
	for idx, in := range body {
		if in.Op != OpGoto && in.Op != OpIfTrueGoto {
			continue
		}
		target := labelIndex(body, in.Label)
		if target < 0 || target >= idx {
			continue
		}
		for name := range first {
			if first[name] < idx && last[name] > target && last[name] < idx {
				last[name] = idx
			}
		}
	}

	intervals := make([]liveInterval, 0, len(first))
	for name, start := range first {
		intervals = append(intervals, liveInterval{name: name, start: start, end: last[name]})
	}
	sort.Slice(intervals, func(i, j int) bool {
		if intervals[i].start != intervals[j].start {
			return intervals[i].start < intervals[j].start
		}
		return intervals[i].name < intervals[j].name
	})
	return intervals
}

func labelIndex(body []Instr, label string) int {
	for i, in := range body {
		if in.Op == OpLabel && in.Label == label {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Linear scan
// ---------------------------------------------------------------------------

// linearScanAllocate walks intervals in start order, maintaining an active
// set; when the pool runs dry the interval with the latest end is spilled.
func linearScanAllocate(body []Instr) map[string]string {
	intervals := computeLiveIntervals(body)
	alloc := map[string]string{}

	type activeEntry struct {
		interval liveInterval
		reg      string
	}
	var active []activeEntry

	expire := func(position int) {
		kept := active[:0]
		for _, a := range active {
			if a.interval.end >= position {
				kept = append(kept, a)
			}
		}
		active = kept
	}

	freeReg := func() (string, bool) {
		used := map[string]bool{}
		for _, a := range active {
			used[a.reg] = true
		}
		for _, reg := range allocatableRegs {
			if !used[reg] {
				return reg, true
			}
		}
		return "", false
	}

	for _, cur := range intervals {
		expire(cur.start)

		if reg, ok := freeReg(); ok {
			alloc[cur.name] = reg
			active = append(active, activeEntry{interval: cur, reg: reg})
			continue
		}

		// Spill the active interval that ends last; if that is the current
		// one, the current interval stays on the stack.
		spillIdx := -1
		for i := range active {
			if spillIdx < 0 || active[i].interval.end > active[spillIdx].interval.end {
				spillIdx = i
			}
		}
		if spillIdx >= 0 && active[spillIdx].interval.end > cur.end {
			victim := active[spillIdx]
			delete(alloc, victim.interval.name)
			alloc[cur.name] = victim.reg
			active[spillIdx] = activeEntry{interval: cur, reg: victim.reg}
		}
	}

	return alloc
}

// ---------------------------------------------------------------------------
// Graph coloring
// ---------------------------------------------------------------------------

// graphColorAllocate builds an interference graph from overlapping live
// intervals, simplifies by repeatedly removing the minimum-degree node, and
// colors in reverse removal order with the lowest-indexed free register.
// Nodes that cannot be colored are spilled to the stack.
func graphColorAllocate(body []Instr) map[string]string {
	intervals := computeLiveIntervals(body)

	graph := map[string]map[string]bool{}
	for _, iv := range intervals {
		if graph[iv.name] == nil {
			graph[iv.name] = map[string]bool{}
		}
	}
	for i := 0; i < len(intervals); i++ {
		for j := i + 1; j < len(intervals); j++ {
			a, b := intervals[i], intervals[j]
			if a.end >= b.start && b.end >= a.start {
				graph[a.name][b.name] = true
				graph[b.name][a.name] = true
			}
		}
	}

	// Simplify: peel off minimum-degree nodes onto a stack.
	work := map[string]map[string]bool{}
	for n, adj := range graph {
		cp := map[string]bool{}
		for m := range adj {
			cp[m] = true
		}
		work[n] = cp
	}
	var order []string
	for len(work) > 0 {
		minName := ""
		minDeg := -1
		for n, adj := range work {
			if minDeg < 0 || len(adj) < minDeg || (len(adj) == minDeg && n < minName) {
				minName = n
				minDeg = len(adj)
			}
		}
		order = append(order, minName)
		for m := range work[minName] {
			delete(work[m], minName)
		}
		delete(work, minName)
	}

	// Color in reverse removal order against the original graph.
	alloc := map[string]string{}
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		taken := map[string]bool{}
		for neighbor := range graph[name] {
			if reg, ok := alloc[neighbor]; ok {
				taken[reg] = true
			}
		}
		for _, reg := range allocatableRegs {
			if !taken[reg] {
				alloc[name] = reg
				break
			}
		}
		// No register left: the node is spilled by omission.
	}
	return alloc
}
