package session

import (
	"errors"
	"testing"
	"testing/iotest"

	"gotest.tools/assert"
	"gotest.tools/assert/cmp"
)

func TestGenerateNeverRepeats(t *testing.T) {
	const trials = 10000
	for _, bits := range SupportedKeyLengths {
		keys := make(map[string]struct{}, trials)
		ivs := make(map[string]struct{}, trials)
		for i := 0; i < trials; i++ {
			km, err := Generate(bits)
			assert.NilError(t, err)
			assert.Check(t, cmp.Equal(bits, km.KeyLength()))
			assert.Check(t, cmp.Len(km.IV, IVLen))

			_, dup := keys[string(km.Key)]
			assert.Assert(t, !dup, "duplicate %d-bit key after %d trials", bits, i)
			keys[string(km.Key)] = struct{}{}

			_, dup = ivs[string(km.IV)]
			assert.Assert(t, !dup, "duplicate IV after %d trials", i)
			ivs[string(km.IV)] = struct{}{}
		}
	}
}

func TestGenerateRejectsUnsupportedLengths(t *testing.T) {
	for _, bits := range []int{0, 64, 127, 512} {
		km, err := Generate(bits)
		assert.Check(t, errors.Is(err, ErrUnsupportedKeyLength))
		assert.Check(t, km == nil)
	}
}

func TestGenerateRandomFailure(t *testing.T) {
	saved := randReader
	defer func() { randReader = saved }()

	randReader = iotest.ErrReader(errors.New("entropy exhausted"))
	km, err := Generate(128)
	assert.ErrorContains(t, err, "entropy exhausted")
	assert.Check(t, km == nil)
}

func TestNewKeyMaterial(t *testing.T) {
	km, err := Generate(256)
	assert.NilError(t, err)

	copied, err := NewKeyMaterial(km.Key, km.IV)
	assert.NilError(t, err)
	assert.Check(t, copied.Equal(km))

	// The copy does not alias the input.
	km.Zero()
	assert.Check(t, !copied.Equal(km))

	_, err = NewKeyMaterial(make([]byte, 10), make([]byte, IVLen))
	assert.Check(t, errors.Is(err, ErrUnsupportedKeyLength))
	_, err = NewKeyMaterial(make([]byte, 16), make([]byte, 8))
	assert.ErrorContains(t, err, "invalid IV length")
}

func TestZero(t *testing.T) {
	km, err := Generate(128)
	assert.NilError(t, err)
	km.Zero()
	assert.Check(t, cmp.DeepEqual(make([]byte, 16), km.Key))
	assert.Check(t, cmp.DeepEqual(make([]byte, IVLen), km.IV))

	var nilKeys *KeyMaterial
	nilKeys.Zero()
	assert.Check(t, nilKeys.Equal(nil))
}
