package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"k8s.io/klog/v2"
)

// runtimeFile is the schema of an HCL runtime file:
//
//	backend "cuda" {
//	  device_id = local_rank
//	  precision = "single"
//	  mpi_type  = "aware"
//	}
type runtimeFile struct {
	Backends []*backendBlock `hcl:"backend,block"`
	Remain   hcl.Body        `hcl:",remain"`
}

type backendBlock struct {
	Name          string   `hcl:"name,label"`
	DeviceID      *int     `hcl:"device_id,optional"`
	Precision     *string  `hcl:"precision,optional"`
	MPIType       *string  `hcl:"mpi_type,optional"`
	Alignment     *int     `hcl:"alignment,optional"`
	MemoryLimit   *string  `hcl:"memory_limit,optional"`
	Parallelism   *int     `hcl:"parallelism,optional"`
	CacheDir      *string  `hcl:"cache_dir,optional"`
	DisableCache  *bool    `hcl:"disable_cache,optional"`
	CompilerFlags []string `hcl:"compiler_flags,optional"`
	SparseMaxNNZ  *int     `hcl:"sparse_max_nnz,optional"`
}

// LoadFile applies the `backend "<backendName>"` block of the HCL file at path to opts.
// A file without a block for the backend leaves opts unchanged.
func LoadFile(path, backendName string, opts *Options) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read runtime configuration %q", path)
	}
	return Decode(src, path, backendName, opts)
}

// Decode is like LoadFile, but takes the HCL contents directly. filename is only used in
// diagnostics.
//
// Expressions may refer to the variables `local_rank` (see LocalRank) and `env`, a map of
// the process environment.
func Decode(src []byte, filename, backendName string, opts *Options) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return errors.Wrapf(diags, "failed to parse runtime configuration %q", filename)
	}
	var parsed runtimeFile
	diags = gohcl.DecodeBody(file.Body, evalContext(), &parsed)
	if diags.HasErrors() {
		return errors.Wrapf(diags, "failed to decode runtime configuration %q", filename)
	}
	for _, block := range parsed.Backends {
		if block.Name != backendName {
			continue
		}
		if err := block.apply(opts); err != nil {
			return errors.WithMessagef(err, "runtime configuration %q, backend %q", filename, backendName)
		}
		klog.V(1).Infof("applied runtime configuration %q to backend %q", filename, backendName)
	}
	return nil
}

func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if key, value, found := strings.Cut(kv, "="); found && key != "" {
			env[key] = cty.StringVal(value)
		}
	}
	envVal := cty.MapValEmpty(cty.String)
	if len(env) > 0 {
		envVal = cty.MapVal(env)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"local_rank": cty.NumberIntVal(int64(LocalRank())),
			"env":        envVal,
		},
	}
}

func (b *backendBlock) apply(opts *Options) error {
	var err error
	if b.DeviceID != nil {
		opts.DeviceID = *b.DeviceID
	}
	if b.Precision != nil {
		if opts.Precision, err = ParsePrecision(*b.Precision); err != nil {
			return err
		}
	}
	if b.MPIType != nil {
		if opts.MPIType, err = parseMPIType(*b.MPIType); err != nil {
			return err
		}
	}
	if b.Alignment != nil {
		if err = opts.Set("alignment", strconv.Itoa(*b.Alignment)); err != nil {
			return err
		}
	}
	if b.MemoryLimit != nil {
		if opts.MemoryLimit, err = humanize.ParseBytes(*b.MemoryLimit); err != nil {
			return errors.Wrapf(err, "invalid memory_limit %q", *b.MemoryLimit)
		}
	}
	if b.Parallelism != nil {
		opts.Parallelism = *b.Parallelism
	}
	if b.CacheDir != nil {
		if err = opts.Set("cache_dir", *b.CacheDir); err != nil {
			return err
		}
	}
	if b.DisableCache != nil {
		opts.DisableCache = *b.DisableCache
	}
	if b.CompilerFlags != nil {
		opts.CompilerFlags = b.CompilerFlags
	}
	if b.SparseMaxNNZ != nil {
		opts.SparseMaxNNZ = *b.SparseMaxNNZ
	}
	return nil
}
