package filterwheel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDemo(t *testing.T) {
	d := NewDemo(map[string]int{"Empty": 0, "515LP": 2})
	d.duration = 0
	require.NoError(t, d.SetFilter("515LP", true))
	require.ErrorIs(t, d.SetFilter("594LP", false), ErrUnknownFilter)
}
