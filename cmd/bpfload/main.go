// Command bpfload loads a precompiled BPF ELF object, submits its
// programs to the kernel, and optionally pins its maps and programs to
// the bpf filesystem. It exits and unloads on SIGINT/SIGTERM.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentrybpf/bpfobj"
)

func main() {
	var (
		objPath string
		pinPath string
	)
	flag.StringVar(&objPath, "obj", "", "path to the BPF ELF object")
	flag.StringVar(&pinPath, "pin", "", "directory to pin maps and programs under (optional)")
	flag.Parse()

	if objPath == "" {
		log.Fatal("-obj is required")
	}

	if err := bpfobj.RemoveMemlockRlimit(); err != nil {
		log.Printf("remove memlock rlimit: %v", err)
	}

	obj, err := bpfobj.OpenFile(objPath)
	if err != nil {
		log.Fatalf("open %s: %v", objPath, err)
	}
	defer obj.Close()

	log.Printf("%s: license=%q kernel_version=%#x maps=%d programs=%d",
		obj.Name(), obj.License(), obj.KernelVersion(), len(obj.Maps()), len(obj.Programs()))
	for _, m := range obj.Maps() {
		def := m.Definition()
		log.Printf("  map %-24s type=%-18v key=%-4d value=%-4d max_entries=%d", m.Name(), def.Type, def.KeySize, def.ValueSize, def.MaxEntries)
	}
	for _, p := range obj.Programs() {
		log.Printf("  prog %-24s section=%-24s type=%v", p.Name(), p.SectionName(), p.Type())
	}

	if err := obj.Load(); err != nil {
		log.Fatalf("load %s: %v", objPath, err)
	}
	log.Printf("%s: loaded", obj.Name())

	if pinPath != "" {
		if err := obj.Pin(pinPath); err != nil {
			log.Fatalf("pin %s: %v", objPath, err)
		}
		log.Printf("%s: pinned under %s", obj.Name(), pinPath)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("%s: shutting down", obj.Name())
}
