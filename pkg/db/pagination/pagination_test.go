package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTripAndTrim(t *testing.T) {
	items := []int{5, 4, 3, 2}
	page, info := Trim(items, 3, func(v int) Cursor { return Cursor{ID: string(rune('0' + v))} })
	assert.Equal(t, []int{5, 4, 3}, page)
	require.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "3", cursor.ID)

	page, info = Trim(items, 10, func(v int) Cursor { return Cursor{} })
	assert.Len(t, page, 4)
	assert.False(t, info.HasMore)
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 10000}.Limit())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Limit())
}
