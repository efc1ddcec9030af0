package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/Composer-Team/beethoven-runtime/internal/config"
	"github.com/Composer-Team/beethoven-runtime/pkg/fpga"
)

func init() {
	rootCmd.AddCommand(newShellCmd())
}

func newShellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive session against a simulated device",
		Long: `The shell command opens a runtime and reads commands interactively.
Type "help" for the list of commands.

Example:
  beethovenctl shell
  beethovenctl shell --config beethoven.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell()
		},
	}
	return cmd
}

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("malloc"),
	readline.PcItem("free"),
	readline.PcItem("list"),
	readline.PcItem("poke"),
	readline.PcItem("peek"),
	readline.PcItem("dirty"),
	readline.PcItem("sync"),
	readline.PcItem("push"),
	readline.PcItem("pull"),
	readline.PcItem("hash"),
	readline.PcItem("stats"),
	readline.PcItem("slabs"),
	readline.PcItem("exit"),
)

const shellHelp = `Commands:
  malloc <size>              allocate a buffer, prints its id
  free <id>                  release a buffer
  list                       list live buffers
  poke <id> <off> <text>     write text into the host mirror and mark it dirty
  peek <id> <off> <n>        hex dump n bytes of the host mirror
  dirty <id>                 show pending dirty pages
  sync <id>                  write dirty pages to the device
  push <id>                  write the whole mirror to the device
  pull <id>                  read the device into the mirror
  hash <id>                  xxhash64 of the host mirror
  stats                      allocator and DMA counters
  slabs                      per-slab occupancy
  exit                       leave the shell
`

var errShellExit = errors.New("exit")

// shell holds the session state; exec runs one command line.
type shell struct {
	h    *fpga.Handle
	out  io.Writer
	ptrs map[int]*fpga.RemotePtr
	next int
}

func newShell(h *fpga.Handle, out io.Writer) *shell {
	return &shell{h: h, out: out, ptrs: make(map[int]*fpga.RemotePtr)}
}

func runShell() error {
	h, err := openRuntime()
	if err != nil {
		return err
	}
	defer h.Close(context.Background())

	fmt.Println("beethovenctl shell. Enter help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".beethoven_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "beethoven> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	sh := newShell(h, rl.Stdout())
	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					return nil
				}
				continue
			}
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}

		err := sh.exec(context.Background(), line)
		if errors.Is(err, errShellExit) {
			return nil
		}
		if err != nil {
			printError("%v\n", err)
		}
	}
}

func (s *shell) exec(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help":
		fmt.Fprint(s.out, shellHelp)
		return nil
	case "exit", "quit":
		return errShellExit
	case "malloc":
		return s.malloc(args)
	case "list":
		return s.list()
	case "stats":
		return s.stats()
	case "slabs":
		return s.slabs()
	}

	// Everything else takes a buffer id first.
	if len(args) == 0 {
		return fmt.Errorf("%s: missing buffer id", cmd)
	}
	id, p, err := s.lookup(args[0])
	if err != nil {
		return err
	}
	args = args[1:]
	if (cmd == "peek" || cmd == "hash") && p.Host() == nil {
		return fpga.ErrNoHostMirror
	}

	switch cmd {
	case "free":
		if err := s.h.Free(p); err != nil {
			return err
		}
		delete(s.ptrs, id)
		fmt.Fprintf(s.out, "freed #%d\n", id)
	case "poke":
		return s.poke(p, args)
	case "peek":
		return s.peek(p, args)
	case "dirty":
		ranges := p.Dirty()
		if len(ranges) == 0 {
			fmt.Fprintln(s.out, "clean")
		}
		for _, r := range ranges {
			fmt.Fprintf(s.out, "[0x%X, 0x%X) %s bytes\n", r.Off, r.End(), num.Sprint(r.Len))
		}
	case "sync":
		if err := s.h.Sync(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "synced #%d\n", id)
	case "push":
		if err := s.h.CopyToFPGA(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "pushed %s bytes\n", num.Sprint(p.Len()))
	case "pull":
		if err := s.h.CopyFromFPGA(ctx, p); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "pulled %s bytes\n", num.Sprint(p.Len()))
	case "hash":
		fmt.Fprintf(s.out, "%016x\n", xxhash.Sum64(p.Host()))
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (s *shell) lookup(arg string) (int, *fpga.RemotePtr, error) {
	id, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	if err != nil {
		return 0, nil, fmt.Errorf("bad buffer id %q", arg)
	}
	p, ok := s.ptrs[id]
	if !ok {
		return 0, nil, fmt.Errorf("no buffer #%d", id)
	}
	return id, p, nil
}

func (s *shell) malloc(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: malloc <size>")
	}
	size, err := config.ParseSize(args[0])
	if err != nil {
		return err
	}
	p, err := s.h.Malloc(size)
	if err != nil {
		return err
	}
	id := s.next
	s.next++
	s.ptrs[id] = p
	fmt.Fprintf(s.out, "#%d at 0x%X (%s bytes reserved)\n", id, p.DeviceAddr(), num.Sprint(p.Reserved()))
	return nil
}

func (s *shell) list() error {
	ids := make([]int, 0, len(s.ptrs))
	for id := range s.ptrs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		p := s.ptrs[id]
		fmt.Fprintf(s.out, "#%-3d 0x%012X  %12s bytes\n", id, p.DeviceAddr(), num.Sprint(p.Len()))
	}
	return nil
}

func (s *shell) poke(p *fpga.RemotePtr, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: poke <id> <off> <text>")
	}
	off, err := config.ParseSize(args[0])
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")
	if err := s.h.MarkDirty(p, off, uint64(len(text))); err != nil {
		return err
	}
	copy(p.Host()[off:], text)
	return nil
}

func (s *shell) peek(p *fpga.RemotePtr, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: peek <id> <off> <n>")
	}
	vals, err := parseSizes(args)
	if err != nil {
		return err
	}
	off, n := vals[0], vals[1]
	if off+n > p.Len() || off+n < off {
		return fmt.Errorf("range [%d, %d) past buffer length %d", off, off+n, p.Len())
	}
	fmt.Fprint(s.out, hex.Dump(p.Host()[off:off+n]))
	return nil
}

func (s *shell) stats() error {
	st := s.h.Stats()
	fmt.Fprintf(s.out, "allocations %d, reserved %s bytes, slabs %d\n",
		st.Alloc.LiveAllocations, num.Sprint(st.Alloc.BytesReserved), st.Alloc.Slabs)
	fmt.Fprintf(s.out, "requests %d (%d faulted), segments %d, held %d, tag waits %d\n",
		st.DMA.Requests, st.DMA.RequestsFaulted, st.DMA.SegmentsIssued, st.DMA.HeldCompletions, st.DMA.TagWaits)
	return nil
}

func (s *shell) slabs() error {
	for _, info := range s.h.Allocator().Slabs() {
		fmt.Fprintf(s.out, "[%d] 0x%012X used %d free %d largest run %d\n",
			info.Index, info.Addr, info.BlocksUsed, info.BlocksFree, info.LargestFreeRun)
	}
	return nil
}
