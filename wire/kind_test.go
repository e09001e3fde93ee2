package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindNameRoundTrip(t *testing.T) {
	for kind, name := range kindNames {
		assert.Equal(t, kind, KindOf(name))
		assert.Equal(t, name, kind.String())
	}
}

func TestKindOfUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf("message:teleport"))
	assert.Equal(t, KindUnknown, KindOf(""))
	assert.Equal(t, "unknown", KindUnknown.String())
}
