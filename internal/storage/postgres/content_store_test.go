package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

func TestProfileStoreMarkUnverified(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 10, 15, 4, 10, 0, 0, time.UTC)
	details := pipeline.UnverifiedDetails{StoredValue: "CTO", ScrapedValue: "CEO", PipelineJobID: 1, DatasetIndex: 4}
	raw, err := json.Marshal(details)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE linkedin SET allowed = false").
		WithArgs(int64(5), raw, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE linkedin SET allowed = false").
		WithArgs(int64(6), raw, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewProfileStore(mock)
	require.NoError(t, store.MarkUnverified(context.Background(), 5, details, at))
	require.ErrorIs(t, store.MarkUnverified(context.Background(), 6, details, at), pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStoreUpsertMerges(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"id", "url", "allowed", "name", "occupation", "industry_ids", "unverified_details", "unverified_at", "created_at",
	}).AddRow(int64(2), "https://www.linkedin.com/in/jane", true, strPtr("Jane"), nil, []int64{1, 2}, nil, nil, created)

	mock.ExpectQuery("INSERT INTO linkedin").
		WithArgs("https://www.linkedin.com/in/jane", []int64{2}, true).
		WillReturnRows(rows)

	p, err := NewProfileStore(mock).Upsert(context.Background(), "https://www.linkedin.com/in/jane", []int64{2}, true)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, p.IndustryIDs)
	require.Equal(t, "Jane", p.Name)
	require.Empty(t, p.Occupation)
	require.Nil(t, p.UnverifiedDetails)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostStoreInsertIgnoresDuplicateURN(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	posted := time.Date(2026, 10, 15, 1, 0, 0, 0, time.UTC)
	post := pipeline.Post{URN: "urn:li:activity:1", Text: "hello", PostedAt: posted, IndustryIDs: []int64{1}}

	mock.ExpectExec("INSERT INTO posts").
		WithArgs(post.URN, noString, noString, "hello", posted, "", "", []int64{1}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO posts").
		WithArgs(post.URN, noString, noString, "hello", posted, "", "", []int64{1}).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	store := NewPostStore(mock)
	inserted, err := store.Insert(context.Background(), post)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.Insert(context.Background(), post)
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostStoreCountFresh(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	since := time.Date(2026, 10, 14, 4, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT count").
		WithArgs(since, []int64{1, 3}).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(12))

	count, err := NewPostStore(mock).CountFresh(context.Background(), since, []int64{1, 3})
	require.NoError(t, err)
	require.Equal(t, 12, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageStoreMarkDeliveredOnce(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE messages SET delivered_user_ids").
		WithArgs(int64(1), int64(10)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE messages SET delivered_user_ids").
		WithArgs(int64(1), int64(10)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewMessageStore(mock)
	ok, err := store.MarkDelivered(context.Background(), 1, 10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.MarkDelivered(context.Background(), 1, 10)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageStoreListSince(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	midnight := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "industry_id", "signal_id", "message_text", "delivered_user_ids", "created_at"}).
		AddRow(int64(1), int64(2), int64(3), "insight", []int64{10}, midnight.Add(time.Hour))
	mock.ExpectQuery("SELECT .+ FROM messages").WithArgs(midnight).WillReturnRows(rows)

	msgs, err := NewMessageStore(mock).ListSince(context.Background(), midnight)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].DeliveredTo(10))
	require.False(t, msgs[0].DeliveredTo(11))
	require.NoError(t, mock.ExpectationsWereMet())
}
