// Package config holds the runtime options of a backend and the ways to set them: the
// "key=value,..." backend configuration string and an optional HCL runtime file with one
// `backend "<name>" { ... }` block per backend.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fluxgraph/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// EnvCacheDir overrides the directory of the on-disk compiled kernel cache.
	EnvCacheDir = "FLUXGRAPH_CACHE_DIR"

	// EnvDisableCache disables the on-disk compiled kernel cache when set to anything but "" or "0".
	EnvDisableCache = "FLUXGRAPH_DISABLE_CACHE"

	// EnvLocalRank is the rank of the process within its node, used to pick a device by default.
	// When set, ranks sharing a node also get their own subdirectory of the default cache directory.
	EnvLocalRank = "FLUXGRAPH_LOCAL_RANK"
)

// MPI types for exchange buffers.
const (
	// MPIStandard transports read and write host memory only: exchange buffers get a separate host shadow.
	MPIStandard = "standard"

	// MPIAware transports can read device memory: the host shadow of an exchange buffer aliases the device buffer.
	MPIAware = "aware"
)

// Options of a backend.
type Options struct {
	// DeviceID selects the device to use. Defaults to the local rank.
	DeviceID int

	// Precision is the floating point type used by default for matrices.
	Precision dtypes.DType

	// MPIType is either MPIStandard or MPIAware.
	MPIType string

	// Alignment in bytes of allocations and of padded leading dimensions.
	Alignment int

	// MemoryLimit is the maximum number of bytes the device may allocate. 0 means no limit.
	MemoryLimit uint64

	// Parallelism is a soft limit on the number of device workers. 0 disables parallelism, -1 is unlimited.
	Parallelism int

	// CacheDir is where compiled kernel modules are cached.
	CacheDir string

	// DisableCache disables the on-disk kernel cache (in-memory memoization still happens).
	DisableCache bool

	// CompilerFlags are appended to the kernel compiler invocation. They are part of the cache key.
	CompilerFlags []string

	// SparseMaxNNZ is the maximum number of non-zeros a constant operator may have for the
	// sparse multiplication provider to accept it.
	SparseMaxNNZ int
}

// Defaults returns the default options, taking the environment variables into account.
func Defaults() Options {
	opts := Options{
		DeviceID:     LocalRank(),
		Precision:    dtypes.Float64,
		MPIType:      MPIStandard,
		Alignment:    64,
		Parallelism:  runtime.NumCPU(),
		CacheDir:     defaultCacheDir(),
		SparseMaxNNZ: 512,
	}
	if v := os.Getenv(EnvDisableCache); v != "" && v != "0" {
		opts.DisableCache = true
	}
	return opts
}

// LocalRank returns the rank of the process within its node, from EnvLocalRank. It defaults to 0.
func LocalRank() int {
	rank, _ := lookupLocalRank()
	return rank
}

func lookupLocalRank() (int, bool) {
	rank, err := strconv.Atoi(os.Getenv(EnvLocalRank))
	if err != nil || rank < 0 {
		return 0, false
	}
	return rank, true
}

// defaultCacheDir is EnvCacheDir, or the user cache directory, with a "rank-<N>" subdirectory
// if EnvLocalRank is set.
func defaultCacheDir() string {
	dir := os.Getenv(EnvCacheDir)
	if dir != "" {
		if expanded, err := fsutil.ReplaceTildeInDir(dir); err == nil {
			dir = expanded
		}
	} else {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "fluxgraph")
	}
	if rank, found := lookupLocalRank(); found {
		dir = filepath.Join(dir, "rank-"+strconv.Itoa(rank))
	}
	return dir
}

// Parse builds Options for the backend named backendName from the configuration string
// "key=value,key=value,...".
//
// The special key "config" names an HCL runtime file whose `backend "<backendName>"` block is
// applied before any of the other keys, regardless of where it appears in the string.
func Parse(backendName, configuration string) (Options, error) {
	opts := Defaults()
	var pairs [][2]string
	for _, part := range strings.Split(configuration, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return opts, errors.Errorf("invalid option %q for backend %q: expected key=value", part, backendName)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "config" {
			path, err := fsutil.ReplaceTildeInDir(value)
			if err != nil {
				return opts, err
			}
			if err := LoadFile(path, backendName, &opts); err != nil {
				return opts, err
			}
			continue
		}
		pairs = append(pairs, [2]string{key, value})
	}
	for _, kv := range pairs {
		if err := opts.Set(kv[0], kv[1]); err != nil {
			return opts, errors.WithMessagef(err, "backend %q", backendName)
		}
	}
	return opts, nil
}

// Set the option named key from its string representation.
func (o *Options) Set(key, value string) error {
	var err error
	switch key {
	case "device_id":
		if value == "local-rank" {
			o.DeviceID = LocalRank()
			return nil
		}
		o.DeviceID, err = strconv.Atoi(value)
	case "precision":
		o.Precision, err = ParsePrecision(value)
	case "mpi_type":
		o.MPIType, err = parseMPIType(value)
	case "alignment":
		o.Alignment, err = strconv.Atoi(value)
		if err == nil && (o.Alignment <= 0 || o.Alignment&(o.Alignment-1) != 0) {
			err = errors.Errorf("alignment must be a positive power of 2, got %d", o.Alignment)
		}
	case "memory_limit":
		o.MemoryLimit, err = humanize.ParseBytes(value)
	case "parallelism":
		o.Parallelism, err = strconv.Atoi(value)
	case "cache_dir":
		o.CacheDir, err = fsutil.ReplaceTildeInDir(value)
	case "disable_cache":
		o.DisableCache, err = strconv.ParseBool(value)
	case "compiler_flags":
		o.CompilerFlags = strings.Fields(value)
	case "sparse_max_nnz":
		o.SparseMaxNNZ, err = strconv.Atoi(value)
	default:
		return errors.Errorf("unknown option %q", key)
	}
	if err != nil {
		return errors.Wrapf(err, "invalid value %q for option %q", value, key)
	}
	return nil
}

// ParsePrecision converts "single"/"float32" and "double"/"float64" to the corresponding dtype.
func ParsePrecision(value string) (dtypes.DType, error) {
	switch strings.ToLower(value) {
	case "single", "float32", "f32":
		return dtypes.Float32, nil
	case "double", "float64", "f64":
		return dtypes.Float64, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unknown precision %q, valid values are \"single\" or \"double\"", value)
}

func parseMPIType(value string) (string, error) {
	switch value {
	case MPIStandard, MPIAware:
		return value, nil
	case "cuda-aware", "hip-aware":
		return MPIAware, nil
	}
	return "", errors.Errorf("unknown MPI type %q, valid values are %q or %q", value, MPIStandard, MPIAware)
}
