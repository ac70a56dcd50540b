package pgas

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// defaultSharedHeapSize is the 128 MiB fallback used when SHARED_HEAP_SIZE
// is unset, per spec.md §6.
const defaultSharedHeapSize = 128 << 20

// envConfig holds the parsed environment-derived knobs consulted by Init.
type envConfig struct {
	SharedHeapSize uintptr
	Verbose        bool
	Oversubscribed bool
}

// loadEnvConfig reads and validates the SHARED_HEAP_SIZE, VERBOSE and
// OVERSUBSCRIBED environment variables described in spec.md §6.
func loadEnvConfig(hostPeers int) (envConfig, error) {
	var cfg envConfig

	verbose, err := parseBoolEnv("VERBOSE", false)
	if err != nil {
		return cfg, &FatalConfigError{Setting: "VERBOSE", Cause: err}
	}
	cfg.Verbose = verbose

	defaultOversubscribed := hostPeers > runtime.NumCPU()
	oversubscribed, err := parseBoolEnv("OVERSUBSCRIBED", defaultOversubscribed)
	if err != nil {
		return cfg, &FatalConfigError{Setting: "OVERSUBSCRIBED", Cause: err}
	}
	cfg.Oversubscribed = oversubscribed

	size, err := parseSharedHeapSize(os.Getenv("SHARED_HEAP_SIZE"))
	if err != nil {
		return cfg, &FatalConfigError{Setting: "SHARED_HEAP_SIZE", Cause: err}
	}
	cfg.SharedHeapSize = pageAlignUp(size)

	return cfg, nil
}

func parseBoolEnv(name string, def bool) (bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, err
	}
	return b, nil
}

// parseSharedHeapSize parses the K/M/G-suffixed or MAX form of
// SHARED_HEAP_SIZE described in spec.md §6.
func parseSharedHeapSize(v string) (uintptr, error) {
	if v == "" {
		return defaultSharedHeapSize, nil
	}
	if strings.EqualFold(v, "MAX") {
		return maxSharedHeapSize(), nil
	}

	mult := uintptr(1)
	suffix := v[len(v)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 1 << 20
		v = v[:len(v)-1]
	case 'g', 'G':
		mult = 1 << 30
		v = v[:len(v)-1]
	}

	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, err
	}
	return uintptr(n) * mult, nil
}

// maxSharedHeapSize picks the largest heap this process can reasonably
// commit, used for SHARED_HEAP_SIZE=MAX. There is no transport segment to
// cap against in-process, so this is a generous constant rather than a
// query of physical memory.
func maxSharedHeapSize() uintptr {
	return 4 << 30
}

// pageAlignUp rounds n up to the host page size, per spec.md §6
// ("page-aligned up"). The page size is queried from the OS rather than
// assumed, since it varies across architectures (4 KiB on x86-64, up to
// 16 KiB on some ARM64 configurations).
func pageAlignUp(n uintptr) uintptr {
	pageSize := uintptr(unix.Getpagesize())
	if pageSize == 0 {
		return n
	}
	rem := n % pageSize
	if rem == 0 {
		return n
	}
	return n + (pageSize - rem)
}
