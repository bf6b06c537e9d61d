package id

import (
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func TestNewULIDSortsInCreationOrder(t *testing.T) {
	prev := NewULID()
	for i := 0; i < 1000; i++ {
		next := NewULID()
		require.Less(t, prev, next)
		prev = next
	}
}

func TestNewULIDParses(t *testing.T) {
	_, err := ulid.Parse(NewULID())
	require.NoError(t, err)
}

func TestWithPrefix(t *testing.T) {
	v := WithPrefix("wd")
	require.True(t, strings.HasPrefix(v, "wd_"))
	require.Len(t, v, 3+26)
}
