package elfloader

import (
	"debug/elf"
	"encoding/binary"
	"math/bits"
	"runtime"
	"unsafe"

	"github.com/go-kit/log"
)

// Config pins the accepted machine type and word-size class. A zero
// Machine accepts any machine and leaves the check to the embedder.
type Config struct {
	Machine    elf.Machine
	Class      elf.Class
	AlignFloor uint64
	Logger     log.Logger
}

// DefaultConfig detects the host machine and class. Unrecognized
// architectures get Machine 0 (accept any).
func DefaultConfig() Config {
	return Config{
		Machine:    HostMachine(),
		Class:      hostClass(),
		AlignFloor: 32,
		Logger:     log.NewNopLogger(),
	}
}

func (c Config) withDefaults() Config {
	if c.Class == elf.ELFCLASSNONE {
		c.Class = hostClass()
	}
	if c.AlignFloor == 0 {
		c.AlignFloor = 32
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	return c
}

func HostMachine() elf.Machine {
	switch runtime.GOARCH {
	case "386":
		return elf.EM_386
	case "amd64":
		return elf.EM_X86_64
	case "riscv64":
		return elf.EM_RISCV
	}
	return elf.EM_NONE
}

func hostClass() elf.Class {
	if bits.UintSize == 32 {
		return elf.ELFCLASS32
	}
	return elf.ELFCLASS64
}

func hostOrder() (binary.ByteOrder, elf.Data) {
	x := uint16(1)
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return binary.LittleEndian, elf.ELFDATA2LSB
	}
	return binary.BigEndian, elf.ELFDATA2MSB
}
