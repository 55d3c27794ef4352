package scan

import (
	"fmt"
	"strings"

	"github.com/go-delve/kwalk/pkg/decode"
	"github.com/go-delve/kwalk/pkg/layout"
	"github.com/go-delve/kwalk/pkg/walk"
)

// Dimensions of netns_nf.hooks: NFPROTO_NUMPROTO × NF_MAX_HOOKS.
const (
	nfProtoNum = 12
	nfMaxHooks = 8
)

// fn formats a function pointer field of r.
func fn(r *Record, name string) string {
	f, ok := r.Get(name)
	if !ok || f.Err != nil {
		return "?"
	}
	s := fmt.Sprintf("%x", f.Value.U)
	in, ok := r.Get(name + insnSuffix)
	switch {
	case !ok:
	case in.Err != nil:
		s += " <?>"
	default:
		s += " <" + in.Value.Inst.Text + ">"
	}
	return s
}

func scanNetfilter(s *scanner) error {
	net, err := s.layout(layout.Net, "nf")
	if err != nil {
		return err
	}
	nf, err := s.layout(layout.NetnsNF, "hooks")
	if err != nil {
		return err
	}
	entries, err := s.layout(layout.NFHookEntries, "num_hook_entries", "hooks")
	if err != nil {
		return err
	}
	entry, err := s.layout(layout.NFHookEntry, "hook")
	if err != nil {
		return err
	}
	initNet, err := s.symbol("init_net")
	if err != nil {
		return err
	}
	ptr := s.ptrSize()

	n := walk.Object{Addr: initNet, Link: initNet, Layout: net}
	hooks := s.embedded(s.embedded(n, "nf", nf), "hooks", nil)
	m := walk.Matrix(hooks.Addr, nfProtoNum, nfMaxHooks, ptr)
	for m.Next() {
		slot := m.Slot()
		er := s.record(layout.NFHookEntries, 0)
		er.set("proto", decode.U32, slot.Row)
		er.set("hooknum", decode.U32, slot.Col)
		addr, ok := s.pointerAt(er, "entries", slot.Addr)
		if !ok {
			if er.Degraded() {
				s.emit(er)
			}
			continue
		}
		er.Addr = addr
		e := walk.Object{Addr: addr, Link: addr, Layout: entries}
		cnt := s.count(er, e, "num_hook_entries", 2, s.opts.MaxHookEntries)
		if er.Degraded() {
			s.emit(er)
		}
		// struct nf_hook_entry is a hook function and its private data.
		arr := walk.Array(s.embedded(e, "hooks", nil).Addr, 2*ptr, cnt, cnt)
		for arr.Next() {
			hs := arr.Slot()
			hr := s.record(layout.NFHookEntry, hs.Addr)
			hr.set("proto", decode.U32, slot.Row)
			hr.set("hooknum", decode.U32, slot.Col)
			hr.set("index", decode.U64, hs.Index)
			s.fnptr(hr, walk.Object{Addr: hs.Addr, Link: hs.Addr, Layout: entry}, "hook")
			s.emit(hr)
		}
	}
	return nil
}

func formatHook(r *Record) []string {
	if r.Kind == layout.NFHookEntries {
		return []string{fmt.Sprintf("[-] hook entries of proto %s hook %s: could not read (%s)", r.Str("proto"), r.Str("hooknum"), degradedFields(r))}
	}
	return []string{fmt.Sprintf("[%d] hookfn addr: %s", r.N, fn(r, "hook"))}
}

func scanTTY(s *scanner) error {
	drv, err := s.layout(layout.TTYDriver, "name", "num", "ttys", "tty_drivers")
	if err != nil {
		return err
	}
	tty, err := s.layout(layout.TTYStruct, "ldisc")
	if err != nil {
		return err
	}
	ldisc, err := s.layout(layout.TTYLdisc, "ops")
	if err != nil {
		return err
	}
	ops, err := s.layout(layout.TTYLdiscOps, "receive_buf", "receive_buf2")
	if err != nil {
		return err
	}
	// tty_drivers is a sentinel list head, drivers are linked through
	// tty_driver.tty_drivers.
	head, err := s.symbol("tty_drivers")
	if err != nil {
		return err
	}
	ptr := s.ptrSize()

	it := s.list(head, walk.ListSpec{ContainerOffset: drv.MustOffset("tty_drivers"), Policy: walk.NextRepeats, Layout: drv})
	return s.each(it, func(d walk.Object) error {
		dr := s.record(layout.TTYDriver, d.Addr)
		s.field(dr, d, "name", decode.CStringRef)
		num := s.count(dr, d, "num", 4, s.opts.MaxDevices)
		var (
			ttys walk.Object
			ok   bool
		)
		if num > 0 {
			ttys, ok = s.follow(dr, d, "ttys", nil)
		}
		s.emit(dr)
		if !ok {
			return nil
		}
		arr := walk.Array(ttys.Addr, ptr, num, num)
		for arr.Next() {
			slot := arr.Slot()
			tr := s.record(layout.TTYStruct, 0)
			tr.set("index", decode.U64, slot.Index)
			addr, ok := s.pointerAt(tr, "tty", slot.Addr)
			if !ok {
				if tr.Degraded() {
					s.emit(tr)
				}
				continue
			}
			tr.Addr = addr
			t := walk.Object{Addr: addr, Link: addr, Layout: tty}
			if l, ok := s.follow(tr, t, "ldisc", ldisc); ok {
				if o, ok := s.follow(tr, l, "ops", ops); ok {
					s.fnptr(tr, o, "receive_buf2")
					s.fnptr(tr, o, "receive_buf")
				}
			}
			s.emit(tr)
		}
		return nil
	})
}

func formatTTY(r *Record) []string {
	switch r.Kind {
	case layout.TTYDriver:
		return []string{fmt.Sprintf("Driver name: %s, devices num: %s", r.Str("name"), r.Str("num"))}
	case layout.TTYStruct:
		if _, ok := r.Get("receive_buf"); !ok {
			return []string{fmt.Sprintf("[%d] tty %s (struct addr:%x): no line discipline operations (%s)", r.N, r.Str("index"), r.Addr, degradedFields(r))}
		}
	}
	return []string{
		fmt.Sprintf("[%d] receive_buf2 addr: %s", r.N, fn(r, "receive_buf2")),
		fmt.Sprintf("[%d] receive_buf addr: %s", r.N, fn(r, "receive_buf")),
	}
}

func scanKeyboard(s *scanner) error {
	head, err := s.layout(layout.NotifierHead, "head")
	if err != nil {
		return err
	}
	blk, err := s.layout(layout.NotifierBlock, "notifier_call", "next")
	if err != nil {
		return err
	}
	list, err := s.symbol("keyboard_notifier_list")
	if err != nil {
		return err
	}
	it := s.list(list+head.MustOffset("head"), walk.ListSpec{
		LinkOffset: blk.MustOffset("next"),
		Policy:     walk.NullTerminated,
		DerefRoot:  true,
		Layout:     blk,
	})
	return s.each(it, func(b walk.Object) error {
		r := s.record(layout.NotifierBlock, b.Addr)
		s.fnptr(r, b, "notifier_call")
		s.emit(r)
		return nil
	})
}

func formatNotifier(r *Record) []string {
	return []string{fmt.Sprintf("[%d] notifier call addr: %s", r.N, fn(r, "notifier_call"))}
}

func scanSeqOps(s *scanner) error {
	af, err := s.layout(layout.SeqAfinfo, "seq_ops", "start", "stop", "show")
	if err != nil {
		return err
	}
	ops, err := s.layout(layout.SeqOperations, "write", "read_iter")
	if err != nil {
		return err
	}
	addr, err := s.symbol("tcp4_seq_afinfo")
	if err != nil {
		return err
	}
	a := walk.Object{Addr: addr, Link: addr, Layout: af}
	r := s.record(layout.SeqAfinfo, addr)
	s.fnptr(r, a, "start")
	s.fnptr(r, a, "stop")
	s.fnptr(r, a, "show")
	o, ok := s.follow(r, a, "seq_ops", ops)
	s.emit(r)
	if !ok {
		return nil
	}
	or := s.record(layout.SeqOperations, o.Addr)
	s.fnptr(or, o, "write")
	s.fnptr(or, o, "read_iter")
	s.emit(or)
	return nil
}

func formatSeqOps(r *Record) []string {
	if r.Kind == layout.SeqOperations {
		return []string{fmt.Sprintf("const tcp4_seq_afinfo -- write func addr: %s read_iter func addr: %s", fn(r, "write"), fn(r, "read_iter"))}
	}
	return []string{fmt.Sprintf("const tcp4_seq_afinfo -- start func addr: %s stop func addr: %s show func addr: %s", fn(r, "start"), fn(r, "stop"), fn(r, "show"))}
}

func scanProcFops(s *scanner) error {
	pde, err := s.layout(layout.ProcDirEntry, "proc_fops")
	if err != nil {
		return err
	}
	fops, err := s.layout(layout.FileOps, "write", "read", "llseek", "iterate_shared")
	if err != nil {
		return err
	}
	addr, err := s.symbol("proc_root")
	if err != nil {
		return err
	}
	r := s.record(layout.ProcDirEntry, addr)
	f, ok := s.follow(r, walk.Object{Addr: addr, Link: addr, Layout: pde}, "proc_fops", fops)
	if ok {
		r.Kind, r.Addr = layout.FileOps, f.Addr
		for _, name := range []string{"write", "read", "llseek", "iterate_shared"} {
			s.fnptr(r, f, name)
		}
	}
	s.emit(r)
	return nil
}

func formatFileOps(r *Record) []string {
	if r.Kind == layout.ProcDirEntry {
		return []string{fmt.Sprintf("proc_root (struct addr:%x) has no file operations: proc_fops %s", r.Addr, r.Str("proc_fops"))}
	}
	return []string{
		fmt.Sprintf("write func addr: %s, read func addr: %s", fn(r, "write"), fn(r, "read")),
		fmt.Sprintf("llseek func addr: %s, iterate_shared func addr: %s", fn(r, "llseek"), fn(r, "iterate_shared")),
	}
}

// degradedFields lists the fields of r that are null or could not be
// decoded.
func degradedFields(r *Record) string {
	var parts []string
	for _, f := range r.Fields {
		switch {
		case f.Err != nil:
			parts = append(parts, f.Name+": "+f.Err.Error())
		case f.Value.Null:
			parts = append(parts, f.Name+" is null")
		}
	}
	if len(parts) == 0 {
		return "no fields"
	}
	return strings.Join(parts, ", ")
}
