package bench

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezrry/gpulock/compute"
	"github.com/tezrry/gpulock/compute/sim"
	"github.com/tezrry/gpulock/pkg/errors"
)

func TestVariantTable(t *testing.T) {
	assert.Equal(t, []string{"tas", "tas-fenced", "ttas", "ttas-fenced", "cas", "cas-fenced"}, VariantNames())

	vs := SoftwareVariants()
	require.Len(t, vs, 6)
	for _, v := range vs {
		_, err := compute.BlobFromWords(v.Blob.Words)
		assert.NoError(t, err, v.Name)
		assert.Zero(t, v.WorkgroupSize)
	}
	assert.Equal(t, "ttas", vs[3].LegacyAlias)
	assert.Empty(t, vs[2].LegacyAlias)
}

func TestSelectVariants(t *testing.T) {
	vs := SoftwareVariants()

	all, err := SelectVariants(vs, nil)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	some, err := SelectVariants(vs, []string{"cas", "tas"})
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "tas", some[0].Name)
	assert.Equal(t, "cas", some[1].Name)

	_, err = SelectVariants(vs, []string{"tas", "mcs"})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoadVariants(t *testing.T) {
	vs, err := LoadVariants("")
	require.NoError(t, err)
	assert.Equal(t, "sim:tas", vs[0].Blob.Source)

	dir := t.TempDir()
	for _, name := range VariantNames() {
		data := compute.EncodeBlob(sim.Blob(name))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".spv"), data, 0o644))
	}
	vs, err = LoadVariants(dir)
	require.NoError(t, err)
	require.Len(t, vs, 6)
	assert.Equal(t, filepath.Join(dir, "cas-fenced.spv"), vs[5].Blob.Source)
	assert.Equal(t, "cas", vs[5].LegacyAlias)
	assert.Equal(t, sim.Blob("cas-fenced"), vs[5].Blob.Words)

	require.NoError(t, os.Remove(filepath.Join(dir, "ttas.spv")))
	_, err = LoadVariants(dir)
	assert.ErrorIs(t, err, errors.ErrInvalidKernelBlob)

	_, err = LoadVariants(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, errors.ErrInvalidKernelBlob)
}
