package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestServerEnabled_RoundTrip(t *testing.T) {
	db := openTestDB(t)

	_, found, err := db.GetServerEnabled("mcp.linear")
	require.NoError(t, err)
	assert.False(t, found, "nothing persisted yet")

	require.NoError(t, db.SetServerEnabled("mcp.linear", "linear", true))

	enabled, found, err := db.GetServerEnabled("mcp.linear")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, enabled)

	require.NoError(t, db.SetServerEnabled("mcp.linear", "linear", false))
	enabled, found, err = db.GetServerEnabled("mcp.linear")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, enabled)
}

func TestToken_RoundTripAndNamespacing(t *testing.T) {
	db := openTestDB(t)

	record := &OAuthTokenRecord{
		ServerID:     "notion",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		Scopes:       []string{"read", "write"},
	}
	require.NoError(t, db.SaveToken("mcp.notion", record))

	loaded, err := db.GetToken("mcp.notion")
	require.NoError(t, err)
	assert.Equal(t, "at-1", loaded.AccessToken)
	assert.Equal(t, "rt-1", loaded.RefreshToken)
	assert.Equal(t, []string{"read", "write"}, loaded.Scopes)
	assert.False(t, loaded.Created.IsZero())

	// Tokens are namespaced per server
	_, err = db.GetToken("mcp.linear")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteToken(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveToken("mcp.srv", &OAuthTokenRecord{ServerID: "srv", AccessToken: "tok"}))
	require.NoError(t, db.DeleteToken("mcp.srv"))

	_, err := db.GetToken("mcp.srv")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error
	require.NoError(t, db.DeleteToken("mcp.srv"))
}

func TestActivity_AppendListPrune(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 10; i++ {
		record := &ToolCallRecord{
			ServerID:   "srv",
			ServerName: "Server",
			Tool:       fmt.Sprintf("tool-%d", i),
			Success:    true,
		}
		require.NoError(t, db.AppendToolCall(record, 5))
		assert.NotEmpty(t, record.ID)
	}

	records, err := db.ListToolCalls(50)
	require.NoError(t, err)
	require.Len(t, records, 5, "retention limit enforced")

	// Newest first
	assert.Equal(t, "tool-9", records[0].Tool)
	assert.Equal(t, "tool-5", records[4].Tool)
}

func TestActivity_PruneManyInOnePass(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, db.AppendToolCall(&ToolCallRecord{
			ServerID: "srv", Tool: fmt.Sprintf("tool-%d", i), Success: true,
		}, 0))
	}

	// The next append has to shed all six excess entries in a single walk
	require.NoError(t, db.AppendToolCall(&ToolCallRecord{
		ServerID: "srv", Tool: "tool-10", Success: true,
	}, 5))

	records, err := db.ListToolCalls(50)
	require.NoError(t, err)
	require.Len(t, records, 5, "oldest entries pruned, none skipped")
	assert.Equal(t, "tool-10", records[0].Tool)
	assert.Equal(t, "tool-6", records[4].Tool)
}
