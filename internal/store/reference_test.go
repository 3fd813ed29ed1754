package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferenceCodes(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	// migrations seed the Lei 14.133/2021 taxonomy
	mapping, err := st.LoadCategory(ctx, "modalidades_contratacao")
	require.NoError(t, err)
	assert.Len(t, mapping, 17)
	assert.Equal(t, "Pregão Eletrônico", mapping[6])

	_, err = st.LoadCategory(ctx, "unknown_category")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")

	// administrative single-code correction
	require.NoError(t, st.UpdateReferenceCode(ctx, "tipos_contrato", 2, "Serviços Continuados"))
	mapping, err = st.LoadCategory(ctx, "tipos_contrato")
	require.NoError(t, err)
	assert.Equal(t, "Serviços Continuados", mapping[2])

	// a correction may introduce a code ahead of the upstream tables
	require.NoError(t, st.UpdateReferenceCode(ctx, "tipos_contrato", 42, "Parceria Público-Privada"))
	mapping, err = st.LoadCategory(ctx, "tipos_contrato")
	require.NoError(t, err)
	assert.Equal(t, "Parceria Público-Privada", mapping[42])
}

func TestReplaceCategory(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	replacement := map[int]string{
		1:  "Art. 24, II",
		99: "Art. 99 - Novo amparo",
	}
	require.NoError(t, st.ReplaceCategory(ctx, "amparos_legais", replacement))

	mapping, err := st.LoadCategory(ctx, "amparos_legais")
	require.NoError(t, err)
	assert.Equal(t, replacement, mapping)

	// an empty upstream table never wipes local reference data
	err = st.ReplaceCategory(ctx, "amparos_legais", nil)
	require.Error(t, err)
	mapping, err = st.LoadCategory(ctx, "amparos_legais")
	require.NoError(t, err)
	assert.Len(t, mapping, 2)
}
