package scan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-delve/kwalk/pkg/vmi"
)

// Tool is an inspection tool.
type Tool struct {
	Name string
	// What is the title printed in the banner.
	What string
	// Short is a one line description, Long the help text.
	Short string
	Long  string
	OS    []vmi.OSKind

	run    func(s *scanner) error
	format func(r *Record) []string
}

var (
	linuxOnly = []vmi.OSKind{vmi.OSLinux}
	allOS     = []vmi.OSKind{vmi.OSLinux, vmi.OSWindows, vmi.OSFreeBSD}
)

var tools = []*Tool{
	{
		Name:  "modules",
		What:  "Module listing",
		Short: "List loaded kernel modules.",
		Long: `List loaded kernel modules.

On Linux the modules list is walked and the name of every struct module is
printed. On Windows PsLoadedModuleList is walked and BaseDllName of every
loader entry is printed.`,
		OS:     []vmi.OSKind{vmi.OSLinux, vmi.OSWindows},
		run:    scanModules,
		format: formatModule,
	},
	{
		Name:  "ps",
		What:  "Process listing",
		Short: "List processes.",
		Long: `List processes.

Walks the task list starting at init_task (Linux), PsActiveProcessHead
(Windows) or allproc (FreeBSD). The offsets of the task list, pid and name
fields change with every kernel build: they are taken from the kernel
profile of the guest or from a layout file.`,
		OS:     allOS,
		run:    scanProcesses,
		format: formatProcess,
	},
	{
		Name:  "creds",
		What:  "Process Credential listing",
		Short: "List the uid and gid of every process.",
		Long: `List the uid and gid of every process.

Follows task_struct.cred for every task. Tasks with a null cred pointer are
reported without ids.`,
		OS:     linuxOnly,
		run:    scanCreds,
		format: formatCred,
	},
	{
		Name:  "files",
		What:  "Check opened files",
		Short: "List the files opened by every process.",
		Long: `List the files opened by every process.

Walks files->fdt->fd of every task and prints the inline name of the dentry
of every open file. The size of the table is read from the guest and
bounded by max-fds.`,
		OS:     linuxOnly,
		run:    scanFiles,
		format: formatFile,
	},
	{
		Name:  "netfilter",
		What:  "Check netfilters",
		Short: "List the netfilter hook functions of the initial network namespace.",
		Long: `List the netfilter hook functions of the initial network namespace.

Reads the protocol × hook matrix of init_net.nf and prints the hook function
of every registered entry. The number of entries of a hook is bounded by
max-hook-entries.`,
		OS:     linuxOnly,
		run:    scanNetfilter,
		format: formatHook,
	},
	{
		Name:  "tty",
		What:  "Check TTY",
		Short: "List the line discipline receive functions of every TTY.",
		Long: `List the line discipline receive functions of every TTY.

Walks tty_drivers and, for every allocated tty of a driver, prints the
receive_buf and receive_buf2 functions of its line discipline. The number
of devices of a driver is bounded by max-devices.`,
		OS:     linuxOnly,
		run:    scanTTY,
		format: formatTTY,
	},
	{
		Name:  "keyboard",
		What:  "Check keyboard logger",
		Short: "List the keyboard notifier chain.",
		Long: `List the keyboard notifier chain.

Prints the notifier_call function of every block registered on
keyboard_notifier_list. Keyloggers register themselves there.`,
		OS:     linuxOnly,
		run:    scanKeyboard,
		format: formatNotifier,
	},
	{
		Name:  "seqops",
		What:  "Check const data structures",
		Short: "Print the seq_file operations of tcp4_seq_afinfo.",
		Long: `Print the seq_file operations of tcp4_seq_afinfo.

Rootkits hiding sockets replace the show function of this structure.`,
		OS:     linuxOnly,
		run:    scanSeqOps,
		format: formatSeqOps,
	},
	{
		Name:  "procfops",
		What:  "Check Linux /proc file operations",
		Short: "Print the file operations of the /proc root directory.",
		Long: `Print the file operations of the /proc root directory.

Rootkits hiding processes replace iterate_shared.`,
		OS:     linuxOnly,
		run:    scanProcFops,
		format: formatFileOps,
	},
}

// Tools returns every tool, sorted by name.
func Tools() []*Tool {
	r := make([]*Tool, len(tools))
	copy(r, tools)
	sort.Slice(r, func(i, j int) bool { return r[i].Name < r[j].Name })
	return r
}

// Lookup returns the tool called name.
func Lookup(name string) (*Tool, error) {
	for _, t := range tools {
		if t.Name == name {
			return t, nil
		}
	}
	names := make([]string, 0, len(tools))
	for _, t := range Tools() {
		names = append(names, t.Name)
	}
	return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownTool, name, strings.Join(names, ", "))
}

func (t *Tool) supports(os vmi.OSKind) bool {
	for _, k := range t.OS {
		if k == os {
			return true
		}
	}
	return false
}

// Format returns the lines printed for r.
func (t *Tool) Format(r *Record) []string {
	return t.format(r)
}
