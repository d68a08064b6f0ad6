package optional

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNone(t *testing.T) {
	none := None[int]()
	require.True(t, none.IsNone())
	require.Equal(t, 17, none.UnwrapOr(17))
	require.Panics(t, func() { none.Unwrap() })
}

func TestSome(t *testing.T) {
	some := Some(42)
	require.False(t, some.IsNone())
	require.Equal(t, 42, some.Unwrap())
	require.Equal(t, 42, some.UnwrapOr(17))
}

func TestSomeWithNilPointerIsNone(t *testing.T) {
	var p *int
	some := Some(p)
	require.True(t, some.IsNone())
}
