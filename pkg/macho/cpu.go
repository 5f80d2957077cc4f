package macho

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// A Cpu is a Mach-O cpu type.
type Cpu uint32

const (
	cpuArch64   = 0x01000000 // 64 bit ABI
	cpuArch6432 = 0x02000000 // ABI for 64-bit hardware with 32-bit types; LP32

	cpuSubtypeMask = 0x00ffffff // strips capability bits such as CPU_SUBTYPE_PTRAUTH_ABI
)

const (
	Cpu386     Cpu = 7
	CpuAmd64   Cpu = Cpu386 | cpuArch64
	CpuArm     Cpu = 12
	CpuArm64   Cpu = CpuArm | cpuArch64
	CpuArm6432 Cpu = CpuArm | cpuArch6432
	CpuPpc     Cpu = 18
	CpuPpc64   Cpu = CpuPpc | cpuArch64
)

const (
	cpuSubtypeX86_64H = 8

	cpuSubtypeArmV6  = 6
	cpuSubtypeArmV7  = 9
	cpuSubtypeArmV7F = 10
	cpuSubtypeArmV7S = 11
	cpuSubtypeArmV7K = 12

	cpuSubtypeArm64E = 2
)

// ArchName returns the name lipo and the compiler drivers use for a cpu
// type and subtype pair.
func ArchName(cpu types.CPU, sub types.CPUSubtype) string {
	s := uint32(sub) & cpuSubtypeMask
	switch Cpu(cpu) {
	case Cpu386:
		return "i386"
	case CpuAmd64:
		if s == cpuSubtypeX86_64H {
			return "x86_64h"
		}
		return "x86_64"
	case CpuArm:
		switch s {
		case cpuSubtypeArmV6:
			return "armv6"
		case cpuSubtypeArmV7:
			return "armv7"
		case cpuSubtypeArmV7F:
			return "armv7f"
		case cpuSubtypeArmV7S:
			return "armv7s"
		case cpuSubtypeArmV7K:
			return "armv7k"
		}
		return "arm"
	case CpuArm64:
		if s == cpuSubtypeArm64E {
			return "arm64e"
		}
		return "arm64"
	case CpuArm6432:
		return "arm64_32"
	case CpuPpc:
		return "ppc"
	case CpuPpc64:
		return "ppc64"
	}
	return fmt.Sprintf("cpu(%#x/%#x)", uint32(cpu), uint32(sub))
}

// ArchName returns the architecture name of the image.
func (f *File) ArchName() string { return ArchName(f.CPU, f.SubCPU) }
