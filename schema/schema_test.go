package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachehouse/wbcache/codec"
	"github.com/cachehouse/wbcache/schema"
)

func TestBuilderBuildsValidDescriptor(t *testing.T) {
	d, err := schema.NewBuilder("tags", "uid", codec.Numeric[int64]()).
		Set("file_ids", codec.Raw()).
		Scalar("haslog", codec.Numeric[int32]()).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "tags", d.Name)
	assert.True(t, d.IsStructured("file_ids"))
	assert.False(t, d.IsStructured("haslog"))
	assert.True(t, d.IsIgnored("uid"))
	assert.True(t, d.IsIgnored("_id"))
}

func TestBuilderRejectsPrimaryKeyAsStructuredField(t *testing.T) {
	_, err := schema.NewBuilder("tags", "uid", codec.Numeric[int64]()).
		Set("uid", codec.Raw()).
		Build()
	require.Error(t, err)
	var se *schema.SchemaError
	assert.ErrorAs(t, err, &se)
}

func TestBuilderRejectsDuplicateFieldName(t *testing.T) {
	_, err := schema.NewBuilder("tags", "uid", codec.Numeric[int64]()).
		Scalar("name", codec.Raw()).
		Set("name", codec.Raw()).
		Build()
	require.Error(t, err)
}

func TestBuilderRejectsMalformedZset(t *testing.T) {
	_, err := schema.NewBuilder("users", "uid", codec.Numeric[int64]()).
		Zset("stars", "uid", codec.Numeric[int64](), "uid", codec.Numeric[int64]()).
		Build()
	require.Error(t, err)
}

func TestBuilderRejectsEmptyCollectionName(t *testing.T) {
	_, err := schema.NewBuilder("", "uid", codec.Numeric[int64]()).Build()
	require.Error(t, err)
}

func TestScalarCodecDefaultsToRaw(t *testing.T) {
	d, err := schema.NewBuilder("tags", "uid", codec.Numeric[int64]()).Build()
	require.NoError(t, err)
	c := d.ScalarCodec("anything")
	wire, err := c.Encode("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", wire)
}
