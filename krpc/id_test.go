package krpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXorAndCmp(t *testing.T) {
	a := testID(0xff)
	b := testID(0x0f)
	assert.Equal(t, testID(0xf0), a.Xor(b))
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, -1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(a))
}

func TestCloserTo(t *testing.T) {
	target := testID(0)
	near := ID{19: 1}
	far := ID{0: 1}
	assert.True(t, near.CloserTo(target, far))
	assert.False(t, far.CloserTo(target, near))
}

func TestCommonPrefixLen(t *testing.T) {
	var a ID
	assert.Equal(t, 160, a.CommonPrefixLen(a))

	b := ID{0: 0x80}
	assert.Equal(t, 0, a.CommonPrefixLen(b))

	c := ID{1: 0x10}
	assert.Equal(t, 11, a.CommonPrefixLen(c))
}

func TestRandomIDWithPrefix(t *testing.T) {
	base := RandomID()
	for _, n := range []int{0, 1, 7, 8, 63, 159} {
		id := RandomIDWithPrefix(base, n)
		assert.Equal(t, n, base.CommonPrefixLen(id), "prefix %d", n)
	}
	assert.Equal(t, base, RandomIDWithPrefix(base, 160))
}

func TestIDFromHex(t *testing.T) {
	id, err := IDFromHex("0102030405060708090a0b0c0d0e0f1011121314")
	require.NoError(t, err)
	assert.Equal(t, byte(0x14), id[19])
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f1011121314", id.String())

	_, err = IDFromHex("0102")
	assert.True(t, errors.Is(err, ErrInvalidID))
	_, err = IDFromHex("zz")
	assert.True(t, errors.Is(err, ErrInvalidID))
}

func TestRandomHashIDIsNotZero(t *testing.T) {
	assert.False(t, RandomHashID().IsZero())
	assert.NotEqual(t, RandomHashID(), RandomHashID())
}
