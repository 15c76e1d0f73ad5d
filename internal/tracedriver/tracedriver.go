// Package tracedriver implements the top-level state machine: classify
// the input blob, map it (raw or ELF, with an optional interpreter),
// build the initial stack, install the syscall and stepper hooks, run
// the emulator under budget, retry once at the interpreter entry on an
// early unmapped fetch, and enrich the result with source lines.
package tracedriver

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/pileofpwn/x86trace/internal/addrspace"
	"github.com/pileofpwn/x86trace/internal/disasm"
	"github.com/pileofpwn/x86trace/internal/elfimage"
	"github.com/pileofpwn/x86trace/internal/emulator"
	"github.com/pileofpwn/x86trace/internal/log"
	"github.com/pileofpwn/x86trace/internal/srcmap"
	"github.com/pileofpwn/x86trace/internal/stackbuild"
	"github.com/pileofpwn/x86trace/internal/stepper"
	"github.com/pileofpwn/x86trace/internal/symresolve"
	"github.com/pileofpwn/x86trace/internal/syscallbridge"
	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

const pageSize = 0x1000

// stackClamp32 is the fallback stack_base used when a 32-bit config
// asks for a stack_base that does not fit in 32 bits.
const stackClamp32 = 0xBFF00000

// interpClamp32 is the fallback interpreter base used when a 32-bit
// config asks for an interp_base that does not fit in 32 bits. This is
// a distinct value from stackClamp32, triggered by a different
// condition (config.InterpBase, not config.StackBase).
const interpClamp32 = 0xF7000000

// Driver runs traces with a fixed set of collaborators; New wires the
// default ones. The zero value has no collaborators and is not usable.
type Driver struct {
	symbols  symresolve.SymbolLister
	lines    srcmap.LineMapper
	disasm   stepper.Disassembler
	logger   *log.Logger
}

// New returns a Driver wired to the real external tools.
func New() *Driver {
	return &Driver{
		symbols: symresolve.New(),
		lines:   srcmap.New(),
		disasm:  disasm.New(),
		logger:  log.NewNop(),
	}
}

// WithLogger overrides the driver's logger.
func (d *Driver) WithLogger(l *log.Logger) *Driver {
	d.logger = l
	return d
}

// Trace is the package's batch entry point: run to completion and
// return the full result.
func (d *Driver) Trace(blob []byte, cfg tracetypes.Config, binaryPath string) (*tracetypes.Result, error) {
	return d.trace(blob, cfg, binaryPath, nil)
}

// TraceStreaming runs the same trace as Trace, but additionally
// invokes onSnapshot as each step is captured, for a caller (e.g.
// internal/traceserver) that wants to forward steps live rather than
// wait for the run to finish. ctx is checked once, before the run
// starts; a single Trace run is not itself interruptible mid-step.
func (d *Driver) TraceStreaming(ctx context.Context, blob []byte, cfg tracetypes.Config, binaryPath string, onSnapshot func(tracetypes.Snapshot)) (*tracetypes.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.trace(blob, cfg, binaryPath, onSnapshot)
}

func (d *Driver) trace(blob []byte, cfg tracetypes.Config, binaryPath string, onSnapshot func(tracetypes.Snapshot)) (*tracetypes.Result, error) {
	runID := uuid.NewString()
	if elfimage.IsELF(blob) {
		return d.traceELF(blob, cfg, binaryPath, runID, onSnapshot)
	}
	return d.traceRaw(blob, cfg, runID, onSnapshot)
}

func (d *Driver) traceRaw(code []byte, cfg tracetypes.Config, runID string, onSnapshot func(tracetypes.Snapshot)) (*tracetypes.Result, error) {
	cfg = clampStack32(cfg, d.logger, runID)

	emu, err := emulator.New(cfg.ArchBits)
	if err != nil {
		return nil, err
	}
	defer emu.Close()

	codeSize := alignUp(uint64(len(code)), pageSize)
	if err := emu.MapRegion(cfg.Base, codeSize); err != nil {
		return nil, err
	}
	if err := emu.MemWrite(cfg.Base, code); err != nil {
		return nil, err
	}

	if err := initStack(emu, cfg); err != nil {
		return nil, err
	}

	var snapshots []tracetypes.Snapshot
	step := stepper.New(emu, d.disasm, cfg.MaxSteps, cfg.StackEntries, &snapshots)
	if onSnapshot != nil {
		step.OnSnapshot(onSnapshot)
	}
	wireHooks(emu, step, cfg)

	var runErr error
	end := cfg.Base + uint64(len(code))
	if err := emu.Run(cfg.Base, end); err != nil {
		runErr = err
	}

	return &tracetypes.Result{
		Snapshots: snapshots,
		Meta:      baseMeta(cfg, step.StepCount(), runErr),
	}, nil
}

func (d *Driver) traceELF(blob []byte, cfg tracetypes.Config, binaryPath, runID string, onSnapshot func(tracetypes.Snapshot)) (*tracetypes.Result, error) {
	header, err := elfimage.ParseHeader(blob)
	if err != nil {
		return nil, err
	}
	if header.Machine != tracetypes.EM_386 && header.Machine != tracetypes.EM_X86_64 {
		return nil, &tracetypes.InvalidInputError{Reason: tracetypes.ReasonUnsupportedMachine}
	}
	cfg.ArchBits = 32
	if header.Class == tracetypes.ElfClass64 {
		cfg.ArchBits = 64
	}

	isPIE := header.Type == tracetypes.ET_DYN
	base := uint64(0)
	if isPIE {
		base = cfg.Base
	}

	phdrs := elfimage.ParseProgramHeaders(blob, header)
	phdrVaddr := base + header.Phoff

	emu, err := emulator.New(cfg.ArchBits)
	if err != nil {
		return nil, err
	}
	defer emu.Close()

	var mapErr error
	if err := addrspace.MapImage(emu, blob, base, phdrs); err != nil {
		mapErr = multierr.Append(mapErr, err)
	}

	effectiveInterpBase := cfg.InterpBase
	if cfg.ArchBits == 32 && effectiveInterpBase > 0xFFFFFFFF {
		effectiveInterpBase = interpClamp32
		d.logger.Trace(runID, "ConfigurationAdjusted", "interp_base clamped for 32-bit guest",
			log.Ptr("requested_interp_base", cfg.InterpBase), log.Ptr("interp_base", effectiveInterpBase))
	}
	cfg.InterpBase = effectiveInterpBase

	interpPath, interpEntry, interpBase := d.loadInterpreter(emu, phdrs, blob, binaryPath, cfg)

	cfg.Base = base + header.Entry
	cfg = clampStack32(cfg, d.logger, runID)

	if err := initStackRegion(emu, cfg); err != nil {
		return nil, multierr.Append(mapErr, err)
	}

	var interpBasePtr *uint64
	if interpPath != "" && interpEntry != nil {
		interpBasePtr = &interpBase
	}
	auxv := stackbuild.BuildAuxv(header, phdrVaddr, base, header.Entry, interpBasePtr)

	argv0 := binaryPath
	if argv0 == "" {
		argv0 = "a.out"
	}
	sp, err := stackbuild.Build(emu, cfg.StackBase, cfg.StackSize, cfg.WordSize(), argv0, auxv)
	if err != nil {
		return nil, multierr.Append(mapErr, err)
	}
	if err := emu.SetSP(sp); err != nil {
		return nil, multierr.Append(mapErr, err)
	}

	var snapshots []tracetypes.Snapshot
	step := stepper.New(emu, d.disasm, cfg.MaxSteps, cfg.StackEntries, &snapshots)
	if onSnapshot != nil {
		step.OnSnapshot(onSnapshot)
	}
	wireHooks(emu, step, cfg)

	startAddr := cfg.Base
	if binaryPath != "" && cfg.StartSymbol != "" {
		adjust := uint64(0)
		if isPIE {
			adjust = base
		}
		if addr, ok := d.symbols.Resolve(binaryPath, cfg.StartSymbol, adjust); ok {
			startAddr = addr
			d.logger.Trace(runID, "StartSymbolResolved", "starting at resolved symbol instead of the entry point",
				log.Fn(cfg.StartSymbol), log.Addr(startAddr))
		}
	}
	interpStarted := cfg.StartInterp && interpEntry != nil
	if interpStarted {
		startAddr = *interpEntry
	}

	var runErr error
	if err := emu.Run(startAddr, startAddr+0x1000); err != nil {
		runErr = err
		if !cfg.StartInterp && interpEntry != nil && len(snapshots) == 0 && looksUnmappedFetch(err) {
			d.logger.Trace(runID, "InterpRecovered", "retrying at interpreter entry after unmapped fetch",
				log.Addr(startAddr), log.Ptr("interp_entry", *interpEntry))
			if err2 := emu.Run(*interpEntry, *interpEntry+0x1000); err2 == nil {
				runErr = nil
			} else {
				runErr = err2
			}
		}
	}

	if binaryPath != "" && len(snapshots) > 0 {
		adjust := uint64(0)
		if isPIE {
			adjust = base
		}
		enrich(snapshots, binaryPath, adjust, d.lines)
	}

	meta := baseMeta(cfg, step.StepCount(), runErr)
	entryHex := tracetypes.Hex(header.Entry)
	meta.ElfEntry = &entryHex
	pie := isPIE
	meta.ElfPIE = &pie
	if interpPath != "" {
		meta.ElfInterp = &interpPath
	}
	meta.ElfInterpStarted = &interpStarted
	meta.Base = tracetypes.Hex(base)

	if mapErr != nil && runErr == nil {
		errStr := mapErr.Error()
		meta.Error = &errStr
	}

	return &tracetypes.Result{Snapshots: snapshots, Meta: meta}, nil
}

// loadInterpreter resolves and maps a PT_INTERP-named interpreter, if
// present. Relative paths resolve against the directory of binaryPath;
// a missing target is silently skipped.
func (d *Driver) loadInterpreter(emu *emulator.Emulator, phdrs []tracetypes.ProgramHeader, blob []byte, binaryPath string, cfg tracetypes.Config) (path string, entry *uint64, interpBase uint64) {
	var interpPath string
	for _, ph := range phdrs {
		if ph.Type == tracetypes.PT_INTERP {
			interpPath = elfimage.ReadCString(blob, ph.Offset)
			break
		}
	}
	if interpPath == "" {
		return "", nil, 0
	}

	resolved := interpPath
	if !filepath.IsAbs(resolved) && binaryPath != "" {
		resolved = filepath.Join(filepath.Dir(binaryPath), resolved)
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", nil, 0
	}

	interpBlob, err := os.ReadFile(resolved)
	if err != nil {
		return "", nil, 0
	}
	interpHeader, err := elfimage.ParseHeader(interpBlob)
	if err != nil {
		return "", nil, 0
	}
	interpPhdrs := elfimage.ParseProgramHeaders(interpBlob, interpHeader)

	base := cfg.InterpBase
	if interpHeader.Type != tracetypes.ET_DYN {
		base = 0
	}
	if err := addrspace.MapImage(emu, interpBlob, base, interpPhdrs); err != nil {
		return "", nil, 0
	}

	entryAddr := base + interpHeader.Entry
	return interpPath, &entryAddr, base
}

// clampStack32 applies the 32-bit stack-base sanity clamp shared by
// both the raw and ELF paths.
func clampStack32(cfg tracetypes.Config, logger *log.Logger, runID string) tracetypes.Config {
	if cfg.ArchBits == 32 && cfg.StackBase > 0xFFFFFFFF {
		logger.Trace(runID, "ConfigurationAdjusted", "stack_base clamped for 32-bit guest",
			log.Ptr("requested_stack_base", cfg.StackBase), log.Size(cfg.StackSize))
		cfg.StackBase = stackClamp32
	}
	return cfg
}

// initStack maps the stack region and sets SP=BP=stack_top-word_size,
// the raw path's initial register state before the Stepper runs.
func initStack(emu *emulator.Emulator, cfg tracetypes.Config) error {
	if err := emu.MapRegion(cfg.StackBase, cfg.StackSize); err != nil {
		return err
	}
	sp := cfg.StackBase + cfg.StackSize - uint64(cfg.WordSize())
	if err := emu.SetSP(sp); err != nil {
		return err
	}
	return emu.SetBP(sp)
}

// initStackRegion only maps the stack region for the ELF path; the
// actual SP is set after StackBuilder runs.
func initStackRegion(emu *emulator.Emulator, cfg tracetypes.Config) error {
	return emu.MapRegion(cfg.StackBase, cfg.StackSize)
}

func wireHooks(emu *emulator.Emulator, step *stepper.Stepper, cfg tracetypes.Config) {
	emu.HookCode(func(_ *emulator.Emulator, addr uint64, size uint32) {
		step.OnCode(addr, size)
	})
	cursor := syscallbridge.NewStdinCursor(cfg.StdinData)
	_ = syscallbridge.Install(emu, cursor)
}

func baseMeta(cfg tracetypes.Config, steps int, runErr error) tracetypes.Meta {
	meta := tracetypes.Meta{
		Steps:        steps,
		Base:         tracetypes.Hex(cfg.Base),
		StackBase:    tracetypes.Hex(cfg.StackBase),
		StackSize:    cfg.StackSize,
		ArchBits:     cfg.ArchBits,
		WordSize:     cfg.WordSize(),
		BufferOffset: cfg.BufferOffset,
		BufferSize:   cfg.BufferSize,
		StdinLen:     len(cfg.StdinData),
	}
	if runErr != nil {
		errStr := runErr.Error()
		meta.Error = &errStr
	}
	return meta
}

// looksUnmappedFetch reports whether err signals an instruction fetch
// from unmapped memory, the interpreter-recovery trigger. The Unicorn
// Go bindings report this as an error whose text names the
// UC_ERR_FETCH_UNMAPPED condition.
func looksUnmappedFetch(err error) bool {
	return strings.Contains(strings.ToUpper(err.Error()), "FETCH_UNMAPPED")
}

func enrich(snapshots []tracetypes.Snapshot, binaryPath string, adjust uint64, lines srcmap.LineMapper) {
	addrs := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		addrs = append(addrs, s.RIP)
	}
	info := lines.Map(binaryPath, addrs, adjust)
	if info == nil {
		return
	}
	for i := range snapshots {
		if enriched, ok := info[snapshots[i].RIP]; ok {
			snapshots[i].File = enriched.File
			snapshots[i].Line = enriched.Line
			snapshots[i].Func = enriched.Func
		}
	}
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }
