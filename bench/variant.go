package bench

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tezrry/gpulock/compute"
	"github.com/tezrry/gpulock/compute/sim"
	"github.com/tezrry/gpulock/pkg/errors"
)

// Variant is one row of the variant table: a lock algorithm's kernel and
// the workgroup size it is dispatched with.
type Variant struct {
	Name string
	Blob compute.Blob
	// WorkgroupSize of 0 uses Config.WorkgroupSize.
	WorkgroupSize uint32
	// LegacyAlias names the variant whose kernel the legacy harness
	// dispatched in place of this one.
	LegacyAlias string
}

type variantRow struct {
	name  string
	alias string
}

var variantTable = []variantRow{
	{name: "tas"},
	{name: "tas-fenced", alias: "tas"},
	{name: "ttas"},
	{name: "ttas-fenced", alias: "ttas"},
	{name: "cas"},
	{name: "cas-fenced", alias: "cas"},
}

// VariantNames lists the lock variants in run order.
func VariantNames() []string {
	names := make([]string, len(variantTable))
	for i, row := range variantTable {
		names[i] = row.name
	}
	return names
}

// SoftwareVariants is the variant table backed by the software driver's
// built-in kernels.
func SoftwareVariants() []Variant {
	vs := make([]Variant, len(variantTable))
	for i, row := range variantTable {
		vs[i] = Variant{
			Name:        row.name,
			Blob:        compute.Blob{Source: "sim:" + row.name, Words: sim.Blob(row.name)},
			LegacyAlias: row.alias,
		}
	}
	return vs
}

// VariantsFromDir loads <name>.spv for every variant from dir.
func VariantsFromDir(dir string) ([]Variant, error) {
	vs := make([]Variant, 0, len(variantTable))
	for _, row := range variantTable {
		blob, err := compute.BlobFromFile(filepath.Join(dir, row.name+".spv"))
		if err != nil {
			return nil, err
		}
		vs = append(vs, Variant{Name: row.name, Blob: blob, LegacyAlias: row.alias})
	}
	return vs, nil
}

// LoadVariants picks the kernel source: dir when set, otherwise the
// software driver's kernels.
func LoadVariants(dir string) ([]Variant, error) {
	if dir == "" {
		return SoftwareVariants(), nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: kernel directory: %w", errors.ErrInvalidKernelBlob, err)
	}
	return VariantsFromDir(dir)
}

// SelectVariants keeps the variants named in names, preserving table order.
// An empty names keeps all of them.
func SelectVariants(vs []Variant, names []string) ([]Variant, error) {
	if len(names) == 0 {
		return vs, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out []Variant
	for _, v := range vs {
		if want[v.Name] {
			out = append(out, v)
			delete(want, v.Name)
		}
	}
	for n := range want {
		return nil, fmt.Errorf("%w: unknown variant %q", errors.ErrInvalidConfig, n)
	}
	return out, nil
}
