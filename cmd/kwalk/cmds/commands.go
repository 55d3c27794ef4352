package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/kwalk/pkg/config"
	"github.com/go-delve/kwalk/pkg/layout"
	"github.com/go-delve/kwalk/pkg/logflags"
	"github.com/go-delve/kwalk/pkg/scan"
	"github.com/go-delve/kwalk/pkg/version"
	"github.com/go-delve/kwalk/pkg/vmi"
	"github.com/go-delve/kwalk/pkg/walk"

	// Memory snapshots are always available.
	_ "github.com/go-delve/kwalk/pkg/vmi/snapshot"
)

// Exit status of the tool commands.
const (
	exitComplete = 0
	exitSession  = 1
	exitUsage    = 2
	exitPartial  = 3
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// name is the domain name of the guest.
	name string
	// domid is the domain id of the guest.
	domid domID
	// socket is the KVMi socket of the guest.
	socket string
	// file is the snapshot descriptor of the guest.
	file string
	// backend selection
	backend string

	// layoutFiles are loaded after the layout files of the configuration.
	layoutFiles []string
	// disasm is whether to decode the first instruction of function pointers.
	disasm bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const kwalkCommandLongDesc = `kwalk inspects the kernel of a virtual machine through virtual machine
introspection.

Every command pauses the guest, walks one family of kernel objects (the
process list, loaded modules, hook tables, ...) and resumes it. Guests are
selected by domain name or id, or a memory snapshot is read instead.

Structure offsets come from the built-in layouts, the kernel profile of the
guest and the layout files listed in the configuration or given with
--layouts.

Exit status is 0 if every enumeration was complete, 1 if the guest could not
be inspected, 2 on usage errors and 3 if some enumeration stopped early.`

// domID is a flag value holding a domain id, in decimal or 0x prefixed
// hexadecimal.
type domID struct {
	id  uint64
	set bool
}

func (d *domID) String() string {
	if !d.set {
		return ""
	}
	return strconv.FormatUint(d.id, 10)
}

func (d *domID) Set(s string) error {
	id, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid domain id %q", s)
	}
	d.id, d.set = id, true
	return nil
}

func (d *domID) Type() string { return "id" }

var _ pflag.Value = (*domID)(nil)

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main kwalk root command.
	rootCommand = &cobra.Command{
		Use:   "kwalk",
		Short: "kwalk inspects guest kernels through virtual machine introspection.",
		Long:  kwalkCommandLongDesc,
	}

	rootCommand.PersistentFlags().StringVarP(&name, "name", "n", "", "Domain name of the guest.")
	rootCommand.PersistentFlags().VarP(&domid, "domid", "d", "Domain id of the guest, decimal or 0x prefixed hexadecimal.")
	rootCommand.PersistentFlags().StringVarP(&socket, "socket", "s", "", "Path to the KVMi socket of the guest.")
	rootCommand.PersistentFlags().StringVarP(&file, "file", "f", "", "Inspect the memory snapshot described by this file (see 'kwalk help backend').")
	rootCommand.PersistentFlags().StringVar(&backend, "backend", "", `Backend selection (see 'kwalk help backend').`)
	rootCommand.PersistentFlags().StringSliceVar(&layoutFiles, "layouts", nil, "Structure layout files, loaded after the layout files of the configuration.")
	rootCommand.PersistentFlags().BoolVar(&disasm, "disasm", false, "Decode the first instruction of every function pointer.")

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'kwalk help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'kwalk help log').")

	for _, tool := range scan.Tools() {
		tool := tool
		rootCommand.AddCommand(&cobra.Command{
			Use:   tool.Name + " [domain name]",
			Short: tool.Short,
			Long:  tool.Long + "\n\nSupported guests: " + osList(tool.OS) + ".",
			Args:  cobra.MaximumNArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				os.Exit(runTool(tool, args, os.Stdout, os.Stderr))
			},
		})
	}

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kwalk\n%s\n", version.KwalkVersion)
			if log {
				fmt.Println(version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backends",
		Short: "Lists the available VMI backends.",
		Run: func(cmd *cobra.Command, args []string) {
			for _, b := range vmi.Backends() {
				fmt.Println(b)
			}
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies which VMI backend attaches to the guest.

Guests given with --file are memory snapshots, read by the snapshot backend
unless --backend says otherwise. A snapshot is a YAML file describing raw
images of guest kernel memory:

	name: guest1
	os: linux
	paging: ia32e
	system-map: System.map
	offsets: {linux_tasks: 0x7a0, linux_pid: 0x8a0, linux_name: 0xb48}
	regions:
	  - {file: mem.raw, vaddr: 0xffffffff80000000}

Live guests, given with --name or --domid, need a backend registered for
them; 'kwalk backends' lists the available ones. The default backend can be
set with the backend key of the configuration file.
`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	vmi		Log guest memory accesses
	walker		Log list walks and clamped counts
	session		Log pauses and resumes of the guest
	layout		Log structure layout selection
	scan		Log degraded objects and partial enumerations (default)
	snapshot	Log memory snapshot loading

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func osList(kinds []vmi.OSKind) string {
	s := make([]string, len(kinds))
	for i, k := range kinds {
		s[i] = k.String()
	}
	return strings.Join(s, ", ")
}

var errTarget = errors.New("exactly one of --name, --domid or --file must be given")

// makeTarget builds the target selected by the flags. args are the
// positional arguments of the command: a single domain name is accepted in
// place of --name.
func makeTarget(args []string) (vmi.Target, error) {
	n := name
	if len(args) > 0 {
		if n != "" {
			return vmi.Target{}, errTarget
		}
		n = args[0]
	}
	given := 0
	for _, set := range []bool{n != "", domid.set, file != ""} {
		if set {
			given++
		}
	}
	if given != 1 {
		return vmi.Target{}, errTarget
	}
	t := vmi.Target{Name: n, DomID: domid.id, File: file, Backend: backend, InitData: socket}
	if t.Backend == "" {
		t.Backend = conf.Backend
	}
	if t.InitData == "" && t.File == "" {
		t.InitData = conf.DefaultSocket
	}
	return t, nil
}

// makeOptions builds the scan options from the configuration and the
// flags.
func makeOptions() (scan.Options, error) {
	reg := layout.Builtin()
	for _, path := range append(append([]string{}, conf.LayoutFiles...), layoutFiles...) {
		if err := reg.LoadFile(path); err != nil {
			return scan.Options{}, err
		}
	}
	return scan.Options{
		Layouts:        reg,
		MaxStringLen:   conf.StringLen(),
		MaxNodes:       conf.Nodes(),
		MaxFDs:         conf.FDs(),
		MaxHookEntries: conf.HookEntries(),
		MaxDevices:     conf.Devices(),
		Disasm:         disasm,
	}, nil
}

func runTool(tool *scan.Tool, args []string, stdout, stderr io.Writer) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	defer logflags.Close()

	target, err := makeTarget(args)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	opts, err := makeOptions()
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	mode, err := conf.ColorMode()
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	out, errOut := newOutput(stdout, mode), newOutput(stderr, mode)

	res, err := scan.Run(target, scan.Selection{Tool: tool.Name}, opts)
	if err != nil {
		fmt.Fprintf(errOut, "%s%v%s\n", styleError, err, styleReset)
		return exitSession
	}
	printResult(out, res)
	if res.Status == walk.Partial {
		fmt.Fprintf(errOut, "%swarning: enumeration is partial: %v%s\n", styleError, res.Cause, styleReset)
		return exitPartial
	}
	return exitComplete
}

const (
	styleBanner   = "\x1b[1m"
	styleDegraded = "\x1b[33m"
	styleError    = "\x1b[31m"
	styleReset    = "\x1b[0m"
)

func printResult(w io.Writer, res *scan.Result) {
	fmt.Fprintf(w, "%s%s%s\n", styleBanner, res.Banner, styleReset)
	for i := range res.Records {
		r := &res.Records[i]
		for _, line := range res.Tool.Format(r) {
			if r.Degraded() {
				fmt.Fprintf(w, "%s%s%s\n", styleDegraded, line, styleReset)
			} else {
				fmt.Fprintln(w, line)
			}
		}
	}
}

// newOutput returns a writer for w that renders the color escapes used by
// printResult, or strips them.
func newOutput(w io.Writer, mode config.ColorMode) io.Writer {
	f, _ := w.(*os.File)
	color := false
	switch mode {
	case config.ColorAlways:
		color = true
	case config.ColorAuto:
		color = f != nil && isatty.IsTerminal(f.Fd()) && strings.ToLower(os.Getenv("TERM")) != "dumb"
	}
	switch {
	case !color:
		return colorable.NewNonColorable(w)
	case f == os.Stdout:
		return colorable.NewColorableStdout()
	case f == os.Stderr:
		return colorable.NewColorableStderr()
	}
	return w
}
