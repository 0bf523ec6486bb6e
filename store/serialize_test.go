package store

import (
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeMessage(t *testing.T) {
	msg := &entity.Message{
		ID:        "0.c.m.1",
		FolderIDs: []string{"0.1", "0.2"},
		Date:      time.Date(2022, 10, 20, 12, 11, 0, 0, time.UTC),
		Flags:     []string{"\\Seen"},
		Subject:   "hello",
	}
	data, err := SerializeObject(msg)
	require.NoError(t, err)

	back, err := DeserializeObject[entity.Message](data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, back.ID)
	assert.Equal(t, msg.FolderIDs, back.FolderIDs)
	assert.True(t, msg.Date.Equal(back.Date))

	_, err = SerializeObject[entity.Message](nil)
	assert.Error(t, err)
}

func TestSerializeDate(t *testing.T) {
	assert.True(t, deserializeDate(serializeDate(time.Time{})).IsZero())
	date := time.Date(2016, 5, 11, 14, 31, 59, 0, time.UTC)
	assert.True(t, date.Equal(deserializeDate(serializeDate(date))))
	assert.Equal(t, uint64(0), DeserializeUint64([]byte{1}))
}
