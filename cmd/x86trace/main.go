package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pileofpwn/x86trace/internal/config"
	"github.com/pileofpwn/x86trace/internal/log"
	"github.com/pileofpwn/x86trace/internal/objdump"
	"github.com/pileofpwn/x86trace/internal/scriptrisk"
	"github.com/pileofpwn/x86trace/internal/trace"
	"github.com/pileofpwn/x86trace/internal/tracedriver"
	"github.com/pileofpwn/x86trace/internal/traceserver"
	"github.com/pileofpwn/x86trace/internal/tracetypes"
	"github.com/pileofpwn/x86trace/internal/ui/colorize"
)

// flagSet holds the trace configuration flags shared by every
// subcommand that runs a trace (trace, pipeline, batch).
type flagSet struct {
	base         string
	stackBase    string
	stackSize    uint64
	maxSteps     int
	stackEntries int
	archBits     int
	interpBase   string
	startInterp  bool
	stdin        string
	bufferOffset int64
	bufferSize   int
	startSymbol  string
	configPath   string
	verbose      bool
}

func addTraceFlags(cmd *cobra.Command, f *flagSet) {
	cmd.Flags().StringVar(&f.base, "base", "0x400000", "base address for raw/PIE binaries")
	cmd.Flags().StringVar(&f.stackBase, "stack-base", "0x7ffffffde000", "stack base address")
	cmd.Flags().Uint64Var(&f.stackSize, "stack-size", 0x20000, "stack size in bytes")
	cmd.Flags().IntVar(&f.maxSteps, "max-steps", 200, "max instructions to trace")
	cmd.Flags().IntVar(&f.stackEntries, "stack-entries", 24, "stack entries to capture")
	cmd.Flags().IntVar(&f.archBits, "arch-bits", 64, "architecture bits for raw binaries (32 or 64)")
	cmd.Flags().StringVar(&f.interpBase, "interp-base", "0x7f0000000000", "load base for an ELF interpreter")
	cmd.Flags().BoolVar(&f.startInterp, "start-interp", false, "start execution at the interpreter entrypoint")
	cmd.Flags().StringVar(&f.stdin, "stdin", "", "data to return from read(0, ...) syscalls")
	cmd.Flags().Int64Var(&f.bufferOffset, "buffer-offset", 0, "buffer offset from RBP for UI highlighting")
	cmd.Flags().IntVar(&f.bufferSize, "buffer-size", 0, "buffer size for UI highlighting")
	cmd.Flags().StringVar(&f.startSymbol, "start-symbol", "", "start execution at this resolved symbol instead of the entry point")
	cmd.Flags().StringVar(&f.configPath, "config", "", "optional YAML file of trace defaults")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "verbose colorized step-by-step output")
}

// changed reports which of the addTraceFlags flags the user actually
// passed, for config.Merge's flags-win-over-file rule.
func changed(cmd *cobra.Command) map[string]bool {
	names := []string{
		"base", "stack-base", "stack-size", "max-steps", "stack-entries",
		"arch-bits", "interp-base", "start-interp", "stdin",
		"buffer-offset", "buffer-size", "start-symbol",
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = cmd.Flags().Changed(n)
	}
	return out
}

func (f *flagSet) buildConfig(cmd *cobra.Command) (tracetypes.Config, error) {
	base, err := strconv.ParseUint(f.base, 0, 64)
	if err != nil {
		return tracetypes.Config{}, fmt.Errorf("parse --base: %w", err)
	}
	stackBase, err := strconv.ParseUint(f.stackBase, 0, 64)
	if err != nil {
		return tracetypes.Config{}, fmt.Errorf("parse --stack-base: %w", err)
	}
	interpBase, err := strconv.ParseUint(f.interpBase, 0, 64)
	if err != nil {
		return tracetypes.Config{}, fmt.Errorf("parse --interp-base: %w", err)
	}

	cfg := tracetypes.Config{
		Base:         base,
		StackBase:    stackBase,
		StackSize:    f.stackSize,
		MaxSteps:     f.maxSteps,
		StackEntries: f.stackEntries,
		ArchBits:     f.archBits,
		InterpBase:   interpBase,
		StartInterp:  f.startInterp,
		StdinData:    []byte(f.stdin),
		BufferSize:   f.bufferSize,
		StartSymbol:  f.startSymbol,
	}
	if cmd.Flags().Changed("buffer-offset") {
		off := f.bufferOffset
		cfg.BufferOffset = &off
	}

	file, err := config.Load(f.configPath)
	if err != nil {
		return tracetypes.Config{}, fmt.Errorf("load --config: %w", err)
	}
	return config.Merge(cfg, file, changed(cmd))
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "x86trace",
		Short: "Trace x86/x86-64 binaries with Unicorn and emit JSON snapshots",
		Long: `x86trace loads a raw or ELF x86/x86-64 binary, maps it into a fresh
Unicorn address space, and single-steps it under a budget, capturing a
register- and stack-window snapshot before each instruction retires.

A narrow syscall surface (sys_read via int 0x80 or syscall) is
intercepted so traced code can consume injected --stdin data without a
full libc. Output is a JSON Result: snapshots plus run metadata.`,
	}

	rootCmd.AddCommand(newTraceCmd())
	rootCmd.AddCommand(newPipelineCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newTraceCmd() *cobra.Command {
	var f flagSet
	var outputPath string

	cmd := &cobra.Command{
		Use:   "trace <binary>",
		Short: "Trace a single binary and write a JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			binaryPath := args[0]
			cfg, err := f.buildConfig(cmd)
			if err != nil {
				return err
			}

			logger := log.New(f.verbose)
			blob, err := os.ReadFile(binaryPath)
			if err != nil {
				return fmt.Errorf("read binary: %w", err)
			}

			driver := tracedriver.New().WithLogger(logger)

			var out *outputWriter
			if f.verbose {
				out = newOutputWriter()
			}
			result, err := driver.TraceStreaming(context.Background(), blob, cfg, binaryPath, func(snap tracetypes.Snapshot) {
				if out != nil {
					out.Write(formatSnapshot(snap))
				}
			})
			if out != nil {
				out.Close()
			}
			if err != nil {
				return fmt.Errorf("trace: %w", err)
			}

			return writeJSON(outputPath, result)
		},
	}
	addTraceFlags(cmd, &f)
	cmd.Flags().StringVarP(&outputPath, "output", "o", "output.json", "output JSON path")
	return cmd
}

func newPipelineCmd() *cobra.Command {
	var f flagSet
	var outputPath string
	var riskScript string

	cmd := &cobra.Command{
		Use:   "pipeline <binary>",
		Short: "Trace a binary and enrich with risks and a disassembly listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			binaryPath := args[0]
			cfg, err := f.buildConfig(cmd)
			if err != nil {
				return err
			}

			blob, err := os.ReadFile(binaryPath)
			if err != nil {
				return fmt.Errorf("read binary: %w", err)
			}

			driver := tracedriver.New().WithLogger(log.New(f.verbose))
			result, err := driver.Trace(blob, cfg, binaryPath)
			if err != nil {
				return fmt.Errorf("trace: %w", err)
			}

			pipelineResult := map[string]any{
				"snapshots": result.Snapshots,
				"meta":      result.Meta,
			}

			if riskScript != "" {
				predicate, err := os.ReadFile(riskScript)
				if err != nil {
					return fmt.Errorf("read --risk-script: %w", err)
				}
				scanner := scriptrisk.New(string(predicate))
				risks, err := scanner.ScanSnapshots(binaryPath, result.Snapshots)
				if err != nil {
					return fmt.Errorf("risk scan: %w", err)
				}
				pipelineResult["risks"] = risks
			}

			disasmPath := objdump.SidecarPath(outputPath)
			lines, raw, ok := objdump.New().Disassemble(binaryPath)
			if ok {
				pipelineResult["disasm"] = lines
				pipelineResult["disasm_path"] = disasmPath
				if err := os.WriteFile(disasmPath, []byte(raw), 0o644); err != nil {
					return fmt.Errorf("write disasm sidecar: %w", err)
				}
			}

			return writeJSON(outputPath, pipelineResult)
		},
	}
	addTraceFlags(cmd, &f)
	cmd.Flags().StringVarP(&outputPath, "output", "o", "output.json", "output JSON path")
	cmd.Flags().StringVar(&riskScript, "risk-script", "", "JS file defining check(snapshot) for risk flagging")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var f flagSet
	var outDir string

	cmd := &cobra.Command{
		Use:   "batch <binary>...",
		Short: "Trace several binaries concurrently, one run per input",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.buildConfig(cmd)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create --out-dir: %w", err)
			}

			g, _ := errgroup.WithContext(context.Background())
			for _, binaryPath := range args {
				binaryPath := binaryPath
				g.Go(func() error {
					blob, err := os.ReadFile(binaryPath)
					if err != nil {
						return fmt.Errorf("%s: %w", binaryPath, err)
					}
					driver := tracedriver.New()
					result, err := driver.Trace(blob, cfg, binaryPath)
					if err != nil {
						return fmt.Errorf("%s: %w", binaryPath, err)
					}
					outPath := filepath.Join(outDir, filepath.Base(binaryPath)+".json")
					return writeJSON(outPath, result)
				})
			}
			return g.Wait()
		},
	}
	addTraceFlags(cmd, &f)
	cmd.Flags().StringVar(&outDir, "out-dir", "batch-out", "directory to write one JSON result per binary")
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a websocket endpoint that streams a trace's snapshots live",
		RunE: func(cmd *cobra.Command, args []string) error {
			driver := tracedriver.New()
			server := traceserver.New(driver, log.New(false))
			http.Handle("/trace", server.Handler())
			fmt.Fprintf(os.Stderr, "listening on %s (ws://%s/trace)\n", addr, addr)
			return http.ListenAndServe(addr, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8088", "address to listen on")
	return cmd
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <result.json>",
		Short: "Step through a previously captured trace result in a terminal UI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read result: %w", err)
			}
			var result tracetypes.Result
			if err := json.Unmarshal(data, &result); err != nil {
				return fmt.Errorf("parse result: %w", err)
			}
			if len(result.Snapshots) == 0 {
				return fmt.Errorf("result has no snapshots to watch")
			}

			p := tea.NewProgram(newWatchModel(result.Snapshots))
			_, err = p.Run()
			return err
		},
	}
	return cmd
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func formatSnapshot(snap tracetypes.Snapshot) string {
	var b strings.Builder
	b.WriteString(colorize.Address(hexToUint64(snap.RIP)))
	b.WriteString("  ")
	b.WriteString(colorize.Instruction(snap.Instr))

	e := trace.NewEvent(hexToUint64(snap.RIP), "instr", snap.Func, "")
	trace.DefaultEnricher(e, snap.Instr)
	if len(e.Tags) > 0 {
		b.WriteString("  ")
		b.WriteString(colorize.Tag(strings.Join(e.Tags.Strings(), " ")))
	}
	if snap.Func != "" {
		b.WriteString("  ")
		b.WriteString(colorize.FuncName(snap.Func))
	}
	if trace.IsBlockEnd(snap.Instr) {
		b.WriteString("\n")
	}
	return b.String()
}

func hexToUint64(s string) uint64 {
	v, _ := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	return v
}

// outputWriter buffers step lines off the hot path with a
// ticker-flushed channel so emulation never blocks on terminal I/O.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}
