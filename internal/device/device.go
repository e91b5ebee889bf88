// Package device models where buffers live and how work is ordered on an
// accelerator: device identifiers, flat buffer handles, per-device residency
// accounting and in-order execution streams with events and graph capture.
package device

import (
	"fmt"
	"strconv"
	"strings"
)

// ID names a memory domain. "cpu" is host memory; "cuda:N" is accelerator N.
type ID string

// Host is the host memory domain.
const Host ID = "cpu"

// Accelerator returns the ID of accelerator n.
func Accelerator(n int) ID {
	return ID("cuda:" + strconv.Itoa(n))
}

// Parse normalizes a device name. "cuda" is accelerator 0.
func Parse(name string) (ID, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	switch s {
	case "", "cpu", "host":
		return Host, nil
	case "cuda", "gpu":
		return Accelerator(0), nil
	}
	if rest, ok := strings.CutPrefix(s, "cuda:"); ok {
		n, err := strconv.Atoi(rest)
		if err == nil && n >= 0 {
			return Accelerator(n), nil
		}
	}
	return "", fmt.Errorf("unknown device %q (expected cpu, cuda or cuda:N)", name)
}

// IsHost reports whether the ID names host memory.
func (id ID) IsHost() bool { return id == Host || id == "" }

func (id ID) String() string {
	if id == "" {
		return string(Host)
	}
	return string(id)
}
