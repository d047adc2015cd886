package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/approval-engine/types"
)

func TestLogDispatcher(t *testing.T) {
	var buf bytes.Buffer
	d := LogDispatcher{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	err := d.Notify(context.Background(), Notification{UserID: 2, TaskID: 7, InstanceID: 3, Channels: []types.Channel{types.ChannelEmail}})
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "notification owed")
	assert.Contains(t, buf.String(), "task=7")
}

func TestDispatcherFunc(t *testing.T) {
	var got Notification
	boom := errors.New("smtp down")
	d := DispatcherFunc(func(_ context.Context, n Notification) error {
		got = n
		return boom
	})

	err := d.Notify(context.Background(), Notification{UserID: 9})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(9), got.UserID)
	assert.NoError(t, Nop.Notify(context.Background(), Notification{}))
}
