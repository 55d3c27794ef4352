package layout

import "github.com/go-delve/kwalk/pkg/vmi"

var (
	any32 = []vmi.PageMode{vmi.PagingLegacy, vmi.PagingPAE}
	ia32e = []vmi.PageMode{vmi.PagingIA32E}
)

// builtinRows are the offsets of the x86-64 Linux 5.x build the tools were
// first written against, plus the long-stable Windows loader entries.
// Task list, pid and name offsets are not included: they change with
// every build and must come from a kernel profile or a layout file.
var builtinRows = []Row{
	// struct module: name follows the list_head, offsets are relative to
	// the list link.
	{OS: vmi.OSLinux, Paging: ia32e, Kind: Module, Fields: map[string]uint64{"list": 0, "name": 16}},
	{OS: vmi.OSLinux, Paging: any32, Kind: Module, Fields: map[string]uint64{"list": 0, "name": 8}},

	// _LDR_DATA_TABLE_ENTRY (XP through 7 and later).
	{OS: vmi.OSWindows, Paging: ia32e, Kind: LdrEntry, Fields: map[string]uint64{"in_load_order_links": 0, "base_dll_name": 0x58}},
	{OS: vmi.OSWindows, Paging: any32, Kind: LdrEntry, Fields: map[string]uint64{"in_load_order_links": 0, "base_dll_name": 0x2c}},

	// struct proc: p_list.le_next is the first member.
	{OS: vmi.OSFreeBSD, Kind: Proc, Fields: map[string]uint64{"p_list": 0}},

	{OS: vmi.OSLinux, Paging: ia32e, Kind: Task, Fields: map[string]uint64{"cred": 2632, "files": 2704}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: Cred, Fields: map[string]uint64{"uid": 8, "gid": 12}},

	{OS: vmi.OSLinux, Paging: ia32e, Kind: Files, Fields: map[string]uint64{"fdt": 32}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: FDTable, Fields: map[string]uint64{"max_fds": 0, "fd": 8}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: File, Fields: map[string]uint64{"f_path": 16}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: Path, Fields: map[string]uint64{"dentry": 8}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: Dentry, Fields: map[string]uint64{"d_iname": 56}},

	{OS: vmi.OSLinux, Paging: ia32e, Kind: TTYDriver, Fields: map[string]uint64{"name": 24, "num": 52, "ttys": 128, "tty_drivers": 168}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: TTYStruct, Fields: map[string]uint64{"ldisc": 88}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: TTYLdisc, Fields: map[string]uint64{"ops": 0}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: TTYLdiscOps, Fields: map[string]uint64{"receive_buf": 104, "receive_buf2": 128}},

	{OS: vmi.OSLinux, Paging: ia32e, Kind: Net, Fields: map[string]uint64{"nf": 3592}},
	{OS: vmi.OSLinux, Kind: NetnsNF, Fields: map[string]uint64{"hooks": 0}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: NFHookEntries, Fields: map[string]uint64{"num_hook_entries": 0, "hooks": 8}},
	{OS: vmi.OSLinux, Kind: NFHookEntry, Fields: map[string]uint64{"hook": 0}},

	// atomic_notifier_head: spinlock, then head.
	{OS: vmi.OSLinux, Paging: ia32e, Kind: NotifierHead, Fields: map[string]uint64{"head": 8}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: NotifierBlock, Fields: map[string]uint64{"notifier_call": 0, "next": 8}},

	{OS: vmi.OSLinux, Paging: ia32e, Kind: SeqAfinfo, Fields: map[string]uint64{"seq_ops": 16, "start": 24, "stop": 32, "show": 48}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: SeqOperations, Fields: map[string]uint64{"write": 24, "read_iter": 32}},

	{OS: vmi.OSLinux, Paging: ia32e, Kind: ProcDirEntry, Fields: map[string]uint64{"proc_fops": 40}},
	{OS: vmi.OSLinux, Paging: ia32e, Kind: FileOps, Fields: map[string]uint64{"llseek": 8, "write": 32, "read": 40, "iterate_shared": 56}},
}

// Builtin returns a registry holding the built-in rows.
func Builtin() *Registry {
	r := NewRegistry()
	for _, row := range builtinRows {
		r.Add(row)
	}
	return r
}
