package backend

import (
	"strings"

	"golang.org/x/sys/cpu"
)

// Capability reports whether the hardware a variant needs is present.
type Capability func(Variant) bool

// DetectCapability probes the host CPU. The accelerated host variants need
// bf16 or int8 matrix instructions; every other variant runs anywhere.
func DetectCapability(v Variant) bool {
	switch v {
	case HostBF16:
		return cpu.X86.HasAVX512BF16
	case HostInt8:
		return cpu.X86.HasAVX512VNNI
	}
	return true
}

// AllCapable reports every variant as supported.
func AllCapable(Variant) bool { return true }

// Available returns a comma-separated list of the variants cap supports.
func Available(capability Capability) string {
	if capability == nil {
		capability = DetectCapability
	}
	entries := make([]string, 0, len(Variants))
	for _, v := range Variants {
		if capability(v) {
			entries = append(entries, string(v))
		}
	}
	return strings.Join(entries, ",")
}
