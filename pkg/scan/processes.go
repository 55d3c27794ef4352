package scan

import (
	"fmt"

	"github.com/go-delve/kwalk/pkg/decode"
	"github.com/go-delve/kwalk/pkg/layout"
	"github.com/go-delve/kwalk/pkg/vmi"
	"github.com/go-delve/kwalk/pkg/walk"
)

// taskList returns the root and the list spec of the process list of the
// guest. The task layout must also have the extra fields.
func (s *scanner) taskList(extra ...string) (uint64, walk.ListSpec, error) {
	switch s.desc.OS {
	case vmi.OSLinux:
		l, err := s.layout(layout.Task, append([]string{"tasks", "pid", "comm"}, extra...)...)
		if err != nil {
			return 0, walk.ListSpec{}, err
		}
		initTask, err := s.symbol("init_task")
		if err != nil {
			return 0, walk.ListSpec{}, err
		}
		// init_task is a member: the swapper task is reported.
		off := l.MustOffset("tasks")
		return initTask + off, walk.ListSpec{ContainerOffset: off, Policy: walk.HeadRepeats, Layout: l}, nil

	case vmi.OSWindows:
		l, err := s.layout(layout.EProcess, append([]string{"tasks", "pid", "name"}, extra...)...)
		if err != nil {
			return 0, walk.ListSpec{}, err
		}
		head, err := s.symbol("PsActiveProcessHead")
		if err != nil {
			return 0, walk.ListSpec{}, err
		}
		return head, walk.ListSpec{ContainerOffset: l.MustOffset("tasks"), Policy: walk.NextRepeats, Layout: l}, nil

	case vmi.OSFreeBSD:
		l, err := s.layout(layout.Proc, append([]string{"p_list", "pid", "comm"}, extra...)...)
		if err != nil {
			return 0, walk.ListSpec{}, err
		}
		allproc, err := s.symbol("allproc")
		if err != nil {
			return 0, walk.ListSpec{}, err
		}
		// allproc is a LIST_HEAD: it holds a pointer to the first proc and
		// le_next points to the next proc, not to its p_list.
		return allproc, walk.ListSpec{LinkOffset: l.MustOffset("p_list"), Policy: walk.NullTerminated, DerefRoot: true, Layout: l}, nil
	}
	return 0, walk.ListSpec{}, fmt.Errorf("no process list for %s", s.desc.OS)
}

func scanModules(s *scanner) error {
	var (
		l         *layout.Layout
		sym       string
		link      string
		nameField string
		nameKind  decode.Kind
		err       error
	)
	switch s.desc.OS {
	case vmi.OSWindows:
		sym, link, nameField, nameKind = "PsLoadedModuleList", "in_load_order_links", "base_dll_name", decode.WideString
		l, err = s.layout(layout.LdrEntry, link, nameField)
	default:
		sym, link, nameField, nameKind = "modules", "list", "name", decode.CString
		l, err = s.layout(layout.Module, link, nameField)
	}
	if err != nil {
		return err
	}
	// Both list heads are sentinels, not modules.
	head, err := s.symbol(sym)
	if err != nil {
		return err
	}
	it := s.list(head, walk.ListSpec{ContainerOffset: l.MustOffset(link), Policy: walk.NextRepeats, Layout: l})
	return s.each(it, func(obj walk.Object) error {
		r := s.record(l.Kind, obj.Addr)
		s.field(r, obj, nameField, nameKind)
		s.emit(r)
		return nil
	})
}

func formatModule(r *Record) []string {
	if r.Kind == layout.LdrEntry {
		return []string{r.Str("base_dll_name")}
	}
	return []string{r.Str("name")}
}

func scanProcesses(s *scanner) error {
	root, spec, err := s.taskList()
	if err != nil {
		return err
	}
	nameField := "comm"
	if s.desc.OS == vmi.OSWindows {
		nameField = "name"
	}
	return s.each(s.list(root, spec), func(task walk.Object) error {
		r := s.record(spec.Layout.Kind, task.Addr)
		s.field(r, task, "pid", decode.U32)
		s.field(r, task, nameField, decode.CString)
		s.emit(r)
		return nil
	})
}

func formatProcess(r *Record) []string {
	name := r.Str("comm")
	if r.Kind == layout.EProcess {
		name = r.Str("name")
	}
	return []string{fmt.Sprintf("[%5s] %s (struct addr:%x)", r.Str("pid"), name, r.Addr)}
}

func scanCreds(s *scanner) error {
	root, spec, err := s.taskList("cred")
	if err != nil {
		return err
	}
	cred, err := s.layout(layout.Cred, "uid", "gid")
	if err != nil {
		return err
	}
	return s.each(s.list(root, spec), func(task walk.Object) error {
		r := s.record(layout.Task, task.Addr)
		s.field(r, task, "pid", decode.U32)
		// A null cred is reported without ids.
		if c, ok := s.follow(r, task, "cred", cred); ok {
			s.field(r, c, "uid", decode.U32)
			s.field(r, c, "gid", decode.U32)
		}
		s.emit(r)
		return nil
	})
}

func formatCred(r *Record) []string {
	if f, _ := r.Get("cred"); f.Err == nil && f.Value.Null {
		return []string{fmt.Sprintf("uid:     -, gid:     -, (struct addr:%x) no credentials", r.Addr)}
	}
	return []string{fmt.Sprintf("uid: %5s, gid: %5s, (struct addr:%x)", r.Str("uid"), r.Str("gid"), r.Addr)}
}

func scanFiles(s *scanner) error {
	root, spec, err := s.taskList("files")
	if err != nil {
		return err
	}
	files, err := s.layout(layout.Files, "fdt")
	if err != nil {
		return err
	}
	fdt, err := s.layout(layout.FDTable, "max_fds", "fd")
	if err != nil {
		return err
	}
	file, err := s.layout(layout.File, "f_path")
	if err != nil {
		return err
	}
	path, err := s.layout(layout.Path, "dentry")
	if err != nil {
		return err
	}
	dentry, err := s.layout(layout.Dentry, "d_iname")
	if err != nil {
		return err
	}
	ptr := s.ptrSize()

	return s.each(s.list(root, spec), func(task walk.Object) error {
		tr := s.record(layout.Task, task.Addr)
		s.field(tr, task, "pid", decode.U32)
		pid, _ := tr.Get("pid")

		// Tasks without a file table, or whose table can't be read, are
		// only reported in the latter case.
		fs, ok := s.follow(tr, task, "files", files)
		if !ok {
			if tr.Degraded() {
				s.emit(tr)
			}
			return nil
		}
		t, ok := s.follow(tr, fs, "fdt", fdt)
		if !ok {
			if tr.Degraded() {
				s.emit(tr)
			}
			return nil
		}
		n := s.count(tr, t, "max_fds", 4, s.opts.MaxFDs)
		fd, ok := s.follow(tr, t, "fd", nil)
		if tr.Degraded() {
			s.emit(tr)
		}
		if !ok {
			return nil
		}

		arr := walk.Array(fd.Addr, ptr, n, n)
		for arr.Next() {
			slot := arr.Slot()
			fr := s.record(layout.File, 0)
			fr.Fields = append(fr.Fields, pid)
			fr.set("fd", decode.U64, slot.Index)
			addr, ok := s.pointerAt(fr, "file", slot.Addr)
			if !ok {
				if fr.Degraded() {
					s.emit(fr)
				}
				continue
			}
			fr.Addr = addr
			f := walk.Object{Addr: addr, Link: addr, Layout: file}
			if d, ok := s.follow(fr, s.embedded(f, "f_path", path), "dentry", dentry); ok {
				s.field(fr, d, "d_iname", decode.CString)
			}
			s.emit(fr)
		}
		return nil
	})
}

func formatFile(r *Record) []string {
	if r.Kind == layout.Task {
		return []string{fmt.Sprintf("[%5s] could not read the file table (struct addr:%x)", r.Str("pid"), r.Addr)}
	}
	return []string{fmt.Sprintf("[%5s -- %d] file_iname: %s", r.Str("pid"), r.N, r.Str("d_iname"))}
}
