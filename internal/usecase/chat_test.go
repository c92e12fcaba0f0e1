package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mortgage-assistant/internal/domain"
	"mortgage-assistant/internal/repository"
)

// memBackend keeps collection documents in memory. Each Read and Write is
// atomic, which mirrors a whole-file overwrite.
type memBackend struct {
	mu   sync.Mutex
	docs map[repository.Kind][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{docs: map[repository.Kind][]byte{}}
}

func (b *memBackend) Read(_ context.Context, kind repository.Kind) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.docs[kind]
	return append([]byte(nil), data...), ok, nil
}

func (b *memBackend) Write(_ context.Context, kind repository.Kind, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[kind] = append([]byte(nil), data...)
	return nil
}

// spyStore wraps a real Store to count writes and inject failures.
type spyStore struct {
	*repository.Store

	mu              sync.Mutex
	userSaves       int
	interactionAdds int
	saveUsersErr    error
	appendErr       error
	loadUsersHook   func()
}

func (s *spyStore) LoadUsers(ctx context.Context) (domain.UserRegistry, error) {
	users, err := s.Store.LoadUsers(ctx)
	if s.loadUsersHook != nil {
		s.loadUsersHook()
	}
	return users, err
}

func (s *spyStore) SaveUsers(ctx context.Context, users domain.UserRegistry) error {
	s.mu.Lock()
	s.userSaves++
	s.mu.Unlock()
	if s.saveUsersErr != nil {
		return s.saveUsersErr
	}
	return s.Store.SaveUsers(ctx, users)
}

func (s *spyStore) AppendInteraction(ctx context.Context, entry domain.Interaction) error {
	s.mu.Lock()
	s.interactionAdds++
	s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.Store.AppendInteraction(ctx, entry)
}

type mockLLM struct {
	mu       sync.Mutex
	reply    string
	err      error
	block    bool
	payloads []domain.PromptPayload
}

func (m *mockLLM) Complete(ctx context.Context, payload domain.PromptPayload) (string, error) {
	m.mu.Lock()
	m.payloads = append(m.payloads, payload)
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return m.reply, m.err
}

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, opts ...repository.Option) *spyStore {
	t.Helper()
	s, err := repository.NewStore(newMemBackend(), opts...)
	require.NoError(t, err)
	return &spyStore{Store: s}
}

func newTestPersona(t *testing.T) *Persona {
	t.Helper()
	p, err := NewPersona("", "")
	require.NoError(t, err)
	return p
}

func newTestChat(t *testing.T, store ChatStore, llm CompletionProvider) *ChatService {
	t.Helper()
	svc, err := NewChatService(store, llm, ChatConfig{
		Persona: newTestPersona(t),
		Logger:  discardLogger(),
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func register(t *testing.T, svc *ChatService, name string) string {
	t.Helper()
	out, err := svc.Register(context.Background(), RegisterInput{FirstName: name, Email: name + "@example.com"})
	require.NoError(t, err)
	return out.UserID
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, code, ucErr.Code)
	return ucErr
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	store := newTestStore(t)
	persona := newTestPersona(t)

	_, err := NewChatService(nil, &mockLLM{}, ChatConfig{Persona: persona})
	require.Error(t, err)
	_, err = NewChatService(store, nil, ChatConfig{Persona: persona})
	require.Error(t, err)
	_, err = NewChatService(store, &mockLLM{}, ChatConfig{})
	require.Error(t, err)

	svc, err := NewChatService(store, &mockLLM{}, ChatConfig{Persona: persona})
	require.NoError(t, err)
	require.Equal(t, DefaultWindowSize, svc.windowSize)
	require.Equal(t, defaultCompletionTimeout, svc.completionTimeout)
}

func TestRegister_UniqueIDsAndEmptyHistory(t *testing.T) {
	store := newTestStore(t)
	svc := newTestChat(t, store, &mockLLM{})
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 25; i++ {
		out, err := svc.Register(ctx, RegisterInput{FirstName: "  Ann ", Phone: "555"})
		require.NoError(t, err)
		require.Equal(t, "Ann", out.FirstName)
		require.False(t, seen[out.UserID], "duplicate id %s", out.UserID)
		seen[out.UserID] = true
	}

	users, err := store.Store.LoadUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 25)
	for id := range seen {
		require.NotNil(t, users[id].ConversationHistory)
		require.Empty(t, users[id].ConversationHistory)
		require.Equal(t, "555", users[id].Phone)
	}
}

func TestRegister_IDsIncreaseInCreationOrder(t *testing.T) {
	svc := newTestChat(t, newTestStore(t), &mockLLM{})
	prev := ""
	for i := 0; i < 10; i++ {
		id := register(t, svc, "Ann")
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestRegister_MissingFirstName(t *testing.T) {
	store := newTestStore(t)
	svc := newTestChat(t, store, &mockLLM{})

	_, err := svc.Register(context.Background(), RegisterInput{FirstName: "   "})
	ucErr := requireCode(t, err, ErrorInvalidInput)
	require.Equal(t, "missing_first_name", ucErr.Reason)
	require.Zero(t, store.userSaves)
}

func TestRegister_SaveFailure(t *testing.T) {
	store := newTestStore(t)
	store.saveUsersErr = errors.New("disk full")
	svc := newTestChat(t, store, &mockLLM{})

	_, err := svc.Register(context.Background(), RegisterInput{FirstName: "Ann"})
	requireCode(t, err, ErrorPersistence)
}

func TestChat_FAQShortCircuit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	llm := &mockLLM{reply: "should not be used"}
	svc := newTestChat(t, store, llm)

	const answer = "An FHA loan is a mortgage insured by the Federal Housing Administration."
	require.NoError(t, store.SaveFAQs(ctx, []domain.FAQ{{ID: "f1", Question: "fha loan", Answer: answer}}))
	annID := register(t, svc, "Ann")

	out, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: "what is an FHA loan"})
	require.NoError(t, err)
	require.Equal(t, answer, out.Reply)
	require.Equal(t, SourceFAQ, out.Source)
	require.Zero(t, llm.calls())

	users, err := store.Store.LoadUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.Turn{
		{Role: domain.RoleUser, Content: "what is an FHA loan"},
		{Role: domain.RoleAssistant, Content: answer},
	}, users[annID].ConversationHistory)

	log, err := store.LoadInteractions(ctx)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, annID, log[0].UserID)
	require.Equal(t, "what is an FHA loan", log[0].UserMessage)
	require.Equal(t, answer, log[0].AIReply)
	require.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), log[0].Timestamp)
}

func TestChat_ModelReplyUsesWindowAndPersona(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	llm := &mockLLM{reply: "  Rates vary by lender.  "}
	svc := newTestChat(t, store, llm)
	annID := register(t, svc, "Ann")

	out, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: "What rates do you offer?"})
	require.NoError(t, err)
	require.Equal(t, "Rates vary by lender.", out.Reply)
	require.Equal(t, SourceModel, out.Source)

	require.Equal(t, 1, llm.calls())
	payload := llm.payloads[0]
	require.Contains(t, payload.System, "The user's name is Ann.")
	require.Contains(t, payload.System, DefaultCompany)
	require.Equal(t, []domain.ChatMessage{{Role: "user", Content: "What rates do you offer?"}}, payload.Messages)

	users, err := store.Store.LoadUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users[annID].ConversationHistory, 2)
	require.Equal(t, "Rates vary by lender.", users[annID].ConversationHistory[1].Content)

	log, err := store.LoadInteractions(ctx)
	require.NoError(t, err)
	require.Len(t, log, 1)
}

func TestChat_WindowIsLastFifteenTurns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	llm := &mockLLM{reply: "ok"}
	svc := newTestChat(t, store, llm)
	annID := register(t, svc, "Ann")

	for i := 0; i < 10; i++ {
		_, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: fmt.Sprintf("question %d", i)})
		require.NoError(t, err)
	}

	_, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: "question 10"})
	require.NoError(t, err)

	last := llm.payloads[len(llm.payloads)-1]
	require.Len(t, last.Messages, DefaultWindowSize)
	require.Equal(t, "question 10", last.Messages[len(last.Messages)-1].Content)
	require.Equal(t, "user", last.Messages[0].Role)
	require.Equal(t, "question 3", last.Messages[0].Content)

	users, err := store.Store.LoadUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users[annID].ConversationHistory, 22)
}

func TestChat_UnknownUserWritesNothing(t *testing.T) {
	store := newTestStore(t)
	llm := &mockLLM{reply: "hi"}
	svc := newTestChat(t, store, llm)

	_, err := svc.Chat(context.Background(), ChatInput{UserID: "nope", Message: "hello"})
	ucErr := requireCode(t, err, ErrorUserNotFound)
	require.Equal(t, "user_not_found", ucErr.Reason)
	require.Zero(t, store.userSaves)
	require.Zero(t, store.interactionAdds)
	require.Zero(t, llm.calls())
}

func TestChat_InvalidInput(t *testing.T) {
	svc := newTestChat(t, newTestStore(t), &mockLLM{})
	long := make([]byte, defaultMaxMessage+1)
	for i := range long {
		long[i] = 'a'
	}

	cases := []struct {
		name   string
		in     ChatInput
		reason string
	}{
		{name: "missing user", in: ChatInput{Message: "hi"}, reason: "missing_user_id"},
		{name: "blank message", in: ChatInput{UserID: "u1", Message: "  \n "}, reason: "empty_message"},
		{name: "too long", in: ChatInput{UserID: "u1", Message: string(long)}, reason: "message_too_long"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Chat(context.Background(), tc.in)
			ucErr := requireCode(t, err, ErrorInvalidInput)
			require.Equal(t, tc.reason, ucErr.Reason)
		})
	}
}

func TestChat_UpstreamFailureKeepsUserTurn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	llm := &mockLLM{err: &statusErr{code: 529}}
	svc := newTestChat(t, store, llm)
	annID := register(t, svc, "Ann")

	_, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: "Can I refinance?"})
	ucErr := requireCode(t, err, ErrorUpstream)
	require.Equal(t, "completion_error", ucErr.Reason)

	users, err := store.Store.LoadUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.Turn{{Role: domain.RoleUser, Content: "Can I refinance?"}}, users[annID].ConversationHistory)
	require.Zero(t, store.interactionAdds)

	// the orphaned turn is part of the next window
	llm.err = nil
	llm.reply = "Yes."
	_, err = svc.Chat(ctx, ChatInput{UserID: annID, Message: "Hello?"})
	require.NoError(t, err)
	last := llm.payloads[len(llm.payloads)-1]
	require.Equal(t, []domain.ChatMessage{
		{Role: "user", Content: "Can I refinance?"},
		{Role: "user", Content: "Hello?"},
	}, last.Messages)
}

func TestChat_CompletionTimeout(t *testing.T) {
	store := newTestStore(t)
	llm := &mockLLM{block: true}
	svc, err := NewChatService(store, llm, ChatConfig{
		Persona:           newTestPersona(t),
		CompletionTimeout: 20 * time.Millisecond,
		Logger:            discardLogger(),
	})
	require.NoError(t, err)
	annID := register(t, svc, "Ann")

	_, err = svc.Chat(context.Background(), ChatInput{UserID: annID, Message: "hello"})
	ucErr := requireCode(t, err, ErrorUpstreamTimeout)
	require.Equal(t, "completion_timeout", ucErr.Reason)
}

func TestChat_EmptyCompletion(t *testing.T) {
	store := newTestStore(t)
	svc := newTestChat(t, store, &mockLLM{reply: "   "})
	annID := register(t, svc, "Ann")

	_, err := svc.Chat(context.Background(), ChatInput{UserID: annID, Message: "hello"})
	ucErr := requireCode(t, err, ErrorUpstream)
	require.Equal(t, "completion_empty", ucErr.Reason)
}

func TestChat_PersistenceFailureAfterReply(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	llm := &mockLLM{reply: "computed"}
	svc := newTestChat(t, store, llm)
	annID := register(t, svc, "Ann")

	store.saveUsersErr = errors.New("read-only filesystem")
	_, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: "hello"})
	ucErr := requireCode(t, err, ErrorPersistence)
	require.Equal(t, "users_save_error", ucErr.Reason)
	require.Equal(t, 1, llm.calls())
	require.Zero(t, store.interactionAdds)
}

func TestChat_InteractionLogFailure(t *testing.T) {
	store := newTestStore(t)
	store.appendErr = errors.New("log locked")
	svc := newTestChat(t, store, &mockLLM{reply: "computed"})
	annID := register(t, svc, "Ann")

	_, err := svc.Chat(context.Background(), ChatInput{UserID: annID, Message: "hello"})
	ucErr := requireCode(t, err, ErrorPersistence)
	require.Equal(t, "interaction_log_error", ucErr.Reason)

	users, err := store.Store.LoadUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users[annID].ConversationHistory, 2)
}

func TestChat_CorruptRegistry(t *testing.T) {
	backend := newMemBackend()
	require.NoError(t, backend.Write(context.Background(), repository.KindUsers, []byte("{not json")))
	s, err := repository.NewStore(backend)
	require.NoError(t, err)
	svc := newTestChat(t, &spyStore{Store: s}, &mockLLM{reply: "x"})

	_, err = svc.Chat(context.Background(), ChatInput{UserID: "u1", Message: "hello"})
	requireCode(t, err, ErrorCorruptData)
}

// Two concurrent chats for the same user both read the registry before either
// writes; without serialization the second save overwrites the first.
func TestChat_ConcurrentUnserializedChatsLoseAnUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.SaveFAQs(ctx, []domain.FAQ{{ID: "f1", Question: "hello", Answer: "Hi there!"}}))
	svc := newTestChat(t, store, &mockLLM{})
	annID := register(t, svc, "Ann")

	var loaded sync.WaitGroup
	loaded.Add(2)
	store.loadUsersHook = func() {
		loaded.Done()
		loaded.Wait()
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, msg := range []string{"hello from tab one", "hello from tab two"} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			_, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: msg})
			errs <- err
		}(msg)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	store.loadUsersHook = nil
	users, err := store.Store.LoadUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users[annID].ConversationHistory, 2, "one exchange is lost to last-writer-wins")
}

func TestChat_SerializedWritesKeepEveryTurn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, repository.WithSerializedWrites())
	require.NoError(t, store.SaveFAQs(ctx, []domain.FAQ{{ID: "f1", Question: "hello", Answer: "Hi there!"}}))
	svc := newTestChat(t, store, &mockLLM{})
	annID := register(t, svc, "Ann")

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: fmt.Sprintf("hello %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	users, err := store.Store.LoadUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users[annID].ConversationHistory, 2*n)

	log, err := store.LoadInteractions(ctx)
	require.NoError(t, err)
	require.Len(t, log, n)
}

func TestChat_MessageLimitCountsCharacters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := newTestChat(t, store, &mockLLM{reply: "ok"})
	annID := register(t, svc, "Ann")

	accented := strings.Repeat("é", defaultMaxMessage)
	_, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: accented})
	require.NoError(t, err)

	_, err = svc.Chat(ctx, ChatInput{UserID: annID, Message: accented + "é"})
	require.Equal(t, "message_too_long", requireCode(t, err, ErrorInvalidInput).Reason)
}

func TestChat_StoresMessageAsSent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	llm := &mockLLM{reply: "Rates vary."}
	svc := newTestChat(t, store, llm)
	annID := register(t, svc, "Ann")

	const sent = "  What rates do you offer?\n"
	_, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: sent})
	require.NoError(t, err)

	users, err := store.Store.LoadUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, sent, users[annID].ConversationHistory[0].Content)
	require.Equal(t, sent, llm.payloads[0].Messages[0].Content)

	log, err := store.LoadInteractions(ctx)
	require.NoError(t, err)
	require.Equal(t, sent, log[0].UserMessage)
}

// gatedLLM blocks every completion until release is closed.
type gatedLLM struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedLLM) Complete(ctx context.Context, _ domain.PromptPayload) (string, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return "Rates vary.", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestChat_SerializedCompletionDoesNotHoldUsersLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, repository.WithSerializedWrites())
	require.NoError(t, store.SaveFAQs(ctx, []domain.FAQ{{ID: "f1", Question: "hello", Answer: "Hi there!"}}))
	llm := &gatedLLM{started: make(chan struct{}, 1), release: make(chan struct{})}
	svc := newTestChat(t, store, llm)
	annID := register(t, svc, "Ann")
	bobID := register(t, svc, "Bob")

	annDone := make(chan error, 1)
	go func() {
		_, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: "what rates?"})
		annDone <- err
	}()
	<-llm.started

	// Bob's FAQ chat and a registration both finish while Ann's completion is pending.
	out, err := svc.Chat(ctx, ChatInput{UserID: bobID, Message: "hello"})
	require.NoError(t, err)
	require.Equal(t, "Hi there!", out.Reply)
	register(t, svc, "Cara")

	close(llm.release)
	require.NoError(t, <-annDone)

	users, err := store.Store.LoadUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.Turn{
		{Role: domain.RoleUser, Content: "what rates?"},
		{Role: domain.RoleAssistant, Content: "Rates vary."},
	}, users[annID].ConversationHistory)
	require.Len(t, users[bobID].ConversationHistory, 2)
	require.Len(t, users, 3)
}

func TestChat_SerializedModelChatsKeepEveryTurn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, repository.WithSerializedWrites())
	svc := newTestChat(t, store, &mockLLM{reply: "ok"})
	annID := register(t, svc, "Ann")

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Chat(ctx, ChatInput{UserID: annID, Message: fmt.Sprintf("rates %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	users, err := store.Store.LoadUsers(ctx)
	require.NoError(t, err)
	history := users[annID].ConversationHistory
	require.Len(t, history, 2*n)
	for i := 0; i < len(history); i += 2 {
		require.Equal(t, domain.RoleUser, history[i].Role)
		require.Equal(t, domain.Turn{Role: domain.RoleAssistant, Content: "ok"}, history[i+1])
	}
}

func TestUpstreamStatusCode(t *testing.T) {
	code, ok := upstreamStatusCode(fmt.Errorf("wrapped: %w", &statusErr{code: 429}))
	require.True(t, ok)
	require.Equal(t, 429, code)

	_, ok = upstreamStatusCode(errors.New("plain"))
	require.False(t, ok)
}
