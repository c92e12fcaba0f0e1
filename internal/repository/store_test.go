package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mortgage-assistant/internal/domain"
)

func newFileStore(t *testing.T, opts ...Option) (*Store, *FileBackend) {
	t.Helper()
	b, err := NewFileBackend(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	s, err := NewStore(b, opts...)
	require.NoError(t, err)
	return s, b
}

func TestNewStore_NilBackend(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNewFileBackend_EmptyDir(t *testing.T) {
	_, err := NewFileBackend("  ")
	require.Error(t, err)
}

func TestLoad_MissingDocumentsReturnDefaults(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	users, err := s.LoadUsers(ctx)
	require.NoError(t, err)
	require.NotNil(t, users)
	require.Empty(t, users)

	interactions, err := s.LoadInteractions(ctx)
	require.NoError(t, err)
	require.NotNil(t, interactions)
	require.Empty(t, interactions)

	faqs, err := s.LoadFAQs(ctx)
	require.NoError(t, err)
	require.NotNil(t, faqs)
	require.Empty(t, faqs)
}

func TestLoad_EmptyFileReturnsDefaults(t *testing.T) {
	s, b := newFileStore(t)
	ctx := context.Background()
	for _, k := range Kinds {
		require.NoError(t, b.Write(ctx, k, []byte("  \n")))
	}

	users, err := s.LoadUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, users)

	faqs, err := s.LoadFAQs(ctx)
	require.NoError(t, err)
	require.Empty(t, faqs)
}

func TestLoad_MalformedContentIsCorruptData(t *testing.T) {
	s, b := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, KindUsers, []byte(`{"broken`)))

	_, err := s.LoadUsers(ctx)
	var corrupt *CorruptDataError
	require.ErrorAs(t, err, &corrupt)
	require.Equal(t, KindUsers, corrupt.Kind)
}

func TestLoad_WrongShapeIsCorruptData(t *testing.T) {
	s, b := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, KindFAQs, []byte(`{"not":"a list"}`)))

	_, err := s.LoadFAQs(ctx)
	var corrupt *CorruptDataError
	require.ErrorAs(t, err, &corrupt)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	users := domain.UserRegistry{
		"01J0000000000000000000000A": {
			FirstName: "Ann",
			Phone:     "555",
			Email:     "a@x.com",
			ConversationHistory: []domain.Turn{
				{Role: domain.RoleUser, Content: "hi"},
				{Role: domain.RoleAssistant, Content: "hello"},
			},
		},
	}
	require.NoError(t, s.SaveUsers(ctx, users))
	got, err := s.LoadUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, users, got)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	faqs := []domain.FAQ{{ID: "f1", Question: "fha loan", Answer: "An FHA loan is...", CreatedAt: ts, UpdatedAt: ts}}
	require.NoError(t, s.SaveFAQs(ctx, faqs))
	gotFAQs, err := s.LoadFAQs(ctx)
	require.NoError(t, err)
	require.Equal(t, faqs, gotFAQs)
}

func TestSave_CreatesMissingDirectoryAndPrettyPrints(t *testing.T) {
	s, b := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveFAQs(ctx, []domain.FAQ{{ID: "f1", Question: "q", Answer: "a"}}))

	raw, err := os.ReadFile(b.Path(KindFAQs))
	require.NoError(t, err)
	require.Contains(t, string(raw), "\n  {\n    \"id\": \"f1\"")
}

func TestSave_NilCollectionsWriteEmptyDocuments(t *testing.T) {
	s, b := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveUsers(ctx, nil))
	require.NoError(t, s.SaveInteractions(ctx, nil))

	raw, err := os.ReadFile(b.Path(KindUsers))
	require.NoError(t, err)
	require.Equal(t, "{}", string(raw))
	raw, err = os.ReadFile(b.Path(KindInteractions))
	require.NoError(t, err)
	require.Equal(t, "[]", string(raw))
}

func TestAppendInteraction_PreservesOrder(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendInteraction(ctx, domain.Interaction{UserID: "u1", UserMessage: "first"}))
	require.NoError(t, s.AppendInteraction(ctx, domain.Interaction{UserID: "u1", UserMessage: "second"}))

	got, err := s.LoadInteractions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].UserMessage)
	require.Equal(t, "second", got[1].UserMessage)
}

type failingBackend struct {
	readErr  error
	writeErr error
}

func (f *failingBackend) Read(context.Context, Kind) ([]byte, bool, error) {
	return nil, false, f.readErr
}

func (f *failingBackend) Write(context.Context, Kind, []byte) error {
	return f.writeErr
}

func TestStore_BackendErrorsAreWrapped(t *testing.T) {
	s, err := NewStore(&failingBackend{readErr: errors.New("disk gone"), writeErr: errors.New("disk full")})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.LoadUsers(ctx)
	require.ErrorContains(t, err, "disk gone")
	var corrupt *CorruptDataError
	require.False(t, errors.As(err, &corrupt))

	err = s.SaveUsers(ctx, domain.UserRegistry{})
	require.ErrorContains(t, err, "SaveUsers")
	require.ErrorContains(t, err, "disk full")
}

func TestLock_NoopWithoutSerialization(t *testing.T) {
	s, _ := newFileStore(t)
	require.False(t, s.Serialized())
	unlock1 := s.Lock(KindUsers)
	unlock2 := s.Lock(KindUsers)
	unlock1()
	unlock2()
}

func TestLock_SerializesSameCollection(t *testing.T) {
	s, _ := newFileStore(t, WithSerializedWrites())
	require.True(t, s.Serialized())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.AppendInteraction(ctx, domain.Interaction{UserID: "u"})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.LoadInteractions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 20)
}
