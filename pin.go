package bpfobj

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/sentrybpf/bpfobj/internal/sys"
)

// checkPinPath verifies that dir is the bpf virtual filesystem before
// any pin is attempted. A statfs failure is always a hard error: it must
// never be treated as "this is not bpffs, skip the check", which is the
// bug check_path carried in the original.
func checkPinPath(path string) error {
	dir := filepath.Dir(path)
	isBPFFS, err := sys.IsBPFFS(dir)
	if err != nil {
		return newError(INTERNAL, "pin", path, err)
	}
	if !isBPFFS {
		return newError(INTERNAL, "pin", path, errors.Errorf("%s is not on a bpf filesystem", dir))
	}
	return nil
}

// Pin exposes m's descriptor at path on the bpf filesystem.
func (m *Map) Pin(path string) error {
	if m.fd < 0 {
		return newError(INTERNAL, "pin", path, errors.New("map has no descriptor"))
	}
	if err := checkPinPath(path); err != nil {
		return err
	}
	if err := kernel.Pin(m.fd, path); err != nil {
		return newError(LOAD, "pin", path, err)
	}
	return nil
}

// Pin exposes the given instance of p at path.
func (p *Program) Pin(path string, instance int) error {
	fd := p.InstanceFD(instance)
	if fd < 0 {
		return newError(INTERNAL, "pin", path, errors.New("instance has no descriptor"))
	}
	if err := checkPinPath(path); err != nil {
		return err
	}
	if err := kernel.Pin(fd, path); err != nil {
		return newError(LOAD, "pin", path, err)
	}
	return nil
}

// Pin creates path/ (0700) then pins every Map at path/<map_name> and
// every Program instance at path/<section_name>/<instance_index>.
func (o *Object) Pin(path string) error {
	if err := checkPinPath(path); err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return newError(INTERNAL, "pin", path, err)
	}

	for _, m := range o.maps {
		if err := m.pinAt(filepath.Join(path, m.name)); err != nil {
			return err
		}
	}
	for _, p := range o.programs {
		if p.isStorage() && o.hasPseudoCalls {
			continue
		}
		for i := range p.instances.fds {
			if p.instances.fds[i] < 0 {
				continue
			}
			dst := filepath.Join(path, p.secName, strconv.Itoa(i))
			if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
				return newError(INTERNAL, "pin", dst, err)
			}
			if err := kernel.Pin(p.instances.fds[i], dst); err != nil {
				return newError(LOAD, "pin", dst, err)
			}
		}
	}
	return nil
}

func (m *Map) pinAt(path string) error {
	if m.fd < 0 {
		return nil
	}
	if err := kernel.Pin(m.fd, path); err != nil {
		return newError(LOAD, "pin", path, err)
	}
	return nil
}
