package history_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/testutil/testchat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryNewestFirst(t *testing.T) {
	h := testchat.New(t)
	var ids []string
	for _, msg := range []string{"one", "two"} {
		id := uuid.NewString()
		ids = append(ids, id)
		req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"conversationId":"`+id+`","message":"`+msg+`"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer alice")
		w := httptest.NewRecorder()
		h.Router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	req.Header.Set("Authorization", "Bearer alice")
	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var hist []model.ConversationWithTurns
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist, 2)
	assert.Equal(t, ids[1], hist[0].ID.String())
	assert.Equal(t, ids[0], hist[1].ID.String())
	assert.Equal(t, "one", hist[1].Turns[0].Content)

	req = httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	w = httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
