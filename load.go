package bpfobj

import (
	"github.com/pkg/errors"

	"github.com/sentrybpf/bpfobj/asm"
)

// loadPrograms submits every Program to the kernel, in order. The .text
// pool is skipped once it has been inlined into every caller; submitting
// it separately would duplicate it. Without pseudo-calls it is submitted
// like any other Program.
func (o *Object) loadPrograms() error {
	for _, p := range o.programs {
		if p.isStorage() && o.hasPseudoCalls {
			continue
		}
		if err := o.loadProgram(p); err != nil {
			return err
		}
	}
	return nil
}

func (o *Object) loadProgram(p *Program) error {
	if p.instances.nr < 0 && p.preprocessor == nil {
		p.instances = instances{nr: 1, fds: []int{-1}}
	}

	if p.preprocessor == nil {
		fd, err := o.submit(p, p.insns)
		if err != nil {
			return o.diagnoseLoadFailure(p, err)
		}
		p.instances = instances{nr: 1, fds: []int{fd}}
		p.insns = nil
		return nil
	}

	n := p.instanceCount
	if n < 1 {
		n = 1
	}
	fds := make([]int, n)
	for i := 0; i < n; i++ {
		insns, perr := p.preprocessor(i, p.insns)
		if perr != nil {
			return newError(INTERNAL, "load", o.origin, perr).withSection(p.secName).withIndex(i)
		}
		if insns == nil {
			fds[i] = -1
			continue
		}
		fd, err := o.submit(p, insns)
		if err != nil {
			return o.diagnoseLoadFailure(p, err)
		}
		fds[i] = fd
	}
	p.instances = instances{nr: n, fds: fds}
	p.insns = nil
	return nil
}

func (o *Object) submit(p *Program, insns asm.Instructions) (int, error) {
	fd, log, err := kernel.LoadProgram(ProgLoadRequest{
		Type:               p.progType,
		ExpectedAttachType: p.expectedAttachType,
		Name:               p.name,
		Instructions:       insns,
		License:            o.license,
		KernelVersion:      o.kernVersion,
		IfIndex:            p.ifIndex,
	})
	if err != nil {
		return -1, &loadFailure{insns: insns, log: log, cause: err}
	}
	return fd, nil
}

// loadFailure carries everything the error-recovery heuristic needs:
// the instruction stream that was rejected, any verifier log the kernel
// returned, and the underlying syscall error.
type loadFailure struct {
	insns asm.Instructions
	log   string
	cause error
}

func (l *loadFailure) Error() string { return l.cause.Error() }
func (l *loadFailure) Unwrap() error { return l.cause }

// diagnoseLoadFailure implements the error-recovery heuristic: a
// verifier log means VERIFY; an instruction count at the kernel maximum
// means PROG2BIG; otherwise a probe submission coerced to KPROBE
// distinguishes a wrong program type (PROGTYPE) from a likely
// kernel-version mismatch (KVER).
func (o *Object) diagnoseLoadFailure(p *Program, err error) error {
	lf, ok := err.(*loadFailure)
	if !ok {
		return newError(LOAD, "load", o.origin, err).withSection(p.secName)
	}

	if lf.log != "" {
		return newError(VERIFY, "load", o.origin, lf.cause).withSection(p.secName).withLog(lf.log)
	}

	if len(lf.insns) >= maxInstructions {
		return newError(PROG2BIG, "load", o.origin, lf.cause).withSection(p.secName)
	}

	_, _, probeErr := kernel.LoadProgram(ProgLoadRequest{
		Type:          Kprobe,
		Name:          p.name,
		Instructions:  lf.insns,
		License:       o.license,
		KernelVersion: o.kernVersion,
	})
	if probeErr == nil {
		return newError(PROGTYPE, "load", o.origin, errors.Errorf("program type %v was rejected but KPROBE succeeded", p.progType)).withSection(p.secName)
	}
	return newError(KVER, "load", o.origin, lf.cause).withSection(p.secName)
}
