package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cyfrworks/cyfr-sub001/pkg/componentref"
)

func TestExportNameCoversEveryComponentType(t *testing.T) {
	assert.Equal(t, "run", exportName[componentref.TypeCatalyst])
	assert.Equal(t, "compute", exportName[componentref.TypeReagent])
	assert.Equal(t, "run", exportName[componentref.TypeFormula])
}

func TestPackPtrLenRoundTrips(t *testing.T) {
	packed := packPtrLen(0xdeadbeef, 128)
	assert.Equal(t, uint32(0xdeadbeef), uint32(packed>>32))
	assert.Equal(t, uint32(128), uint32(packed&0xffffffff))
}

func TestIsMemoryErrorDetectsLimitPhrases(t *testing.T) {
	assert.True(t, isMemoryError(errors.New("failed to grow memory: limit exceeded")))
	assert.True(t, isMemoryError(errors.New("out of bounds memory access")))
	assert.False(t, isMemoryError(errors.New("unreachable")))
	assert.False(t, isMemoryError(nil))
}
