package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"p2pmarket/core/types"
)

type testEvent struct{ evt *types.Event }

func (e testEvent) EventType() string   { return e.evt.Type }
func (e testEvent) Event() *types.Event { return e.evt }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestJournalAppendAndList(t *testing.T) {
	db := setupTestDB(t)
	j, err := New(db, nil)
	require.NoError(t, err)
	j.SetNowFunc(func() time.Time { return time.Unix(1700000000, 0) })

	j.Emit(testEvent{evt: &types.Event{Type: "market.order.created", Attributes: map[string]string{"orderId": "aa", "price": "1000"}}})
	j.Emit(testEvent{evt: &types.Event{Type: "market.order.matched", Attributes: map[string]string{"orderId": "aa"}}})
	j.Emit(testEvent{evt: &types.Event{Type: "market.order.created", Attributes: map[string]string{"orderId": "bb"}}})
	require.Zero(t, j.Failed())

	all, err := j.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, uint64(1), all[0].Seq)
	require.Equal(t, uint64(3), all[2].Seq)

	evt, err := all[0].Event()
	require.NoError(t, err)
	require.Equal(t, "1000", evt.Attr("price"))

	byOrder, err := j.List(context.Background(), Filter{OrderID: "0xAA"})
	require.NoError(t, err)
	require.Len(t, byOrder, 2)

	byType, err := j.List(context.Background(), Filter{Type: "market.order.created", AfterSeq: 1})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	require.Equal(t, "bb", byType[0].OrderID)
}

func TestJournalResumesSequence(t *testing.T) {
	db := setupTestDB(t)
	first, err := New(db, nil)
	require.NoError(t, err)
	_, err = first.Append(context.Background(), &types.Event{Type: "market.paused"})
	require.NoError(t, err)

	second, err := New(db, nil)
	require.NoError(t, err)
	record, err := second.Append(context.Background(), &types.Event{Type: "market.unpaused"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), record.Seq)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "", nil)
	require.Error(t, err)
}
