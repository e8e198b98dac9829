package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"botbridge/internal/directive"
	"botbridge/internal/guard"
	"botbridge/internal/model"
	"botbridge/internal/store"
	"botbridge/internal/typebot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type fakeProvider struct {
	calls        []string
	initialTexts []string
	continued    []typebot.ContinueOptions
	start        *typebot.StartResult
	startErr     error
	replies      []*typebot.ContinueResult
	continueErr  error
}

func (f *fakeProvider) CreateSession(ctx context.Context, baseURL, slug string, tc typebot.TicketContext, initialMessage, token string) (*typebot.StartResult, error) {
	f.calls = append(f.calls, "create")
	f.initialTexts = append(f.initialTexts, initialMessage)
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.start == nil {
		return &typebot.StartResult{SessionID: "new-session"}, nil
	}
	return f.start, nil
}

func (f *fakeProvider) ContinueSession(ctx context.Context, baseURL, sessionID, message string, opts typebot.ContinueOptions) (*typebot.ContinueResult, error) {
	f.calls = append(f.calls, "continue")
	f.continued = append(f.continued, opts)
	if f.continueErr != nil {
		return nil, f.continueErr
	}
	if len(f.replies) == 0 {
		return &typebot.ContinueResult{}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeRelay) Deliver(ctx context.Context, sessionHandle, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, text)
	return "wamid", nil
}

type fakeRepo struct {
	updates  []model.TicketUpdate
	messages []model.NewMessage
}

func (f *fakeRepo) UpdateTicket(ctx context.Context, id int64, upd model.TicketUpdate) error {
	f.updates = append(f.updates, upd)
	return nil
}

func (f *fakeRepo) CreateMessage(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	f.messages = append(f.messages, msg)
	return model.Message{ID: msg.ID, Kind: msg.Kind, Body: msg.Body}, nil
}

type fakeContacts struct{}

func (fakeContacts) UpdateContact(ctx context.Context, id int64, upd model.ContactUpdate) error {
	return nil
}

type fakeEvents struct {
	events []map[string]interface{}
}

func (f *fakeEvents) PublishTicket(ticketID int64, event map[string]interface{}) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEvents) types() []string {
	var out []string
	for _, e := range f.events {
		out = append(out, e["type"].(string))
	}
	return out
}

type fakeJobs struct {
	scheduled []time.Duration
}

func (f *fakeJobs) ScheduleSessionExpiry(ticketID int64, sessionID string, after time.Duration) error {
	f.scheduled = append(f.scheduled, after)
	return nil
}

type harness struct {
	mgr      *Manager
	provider *fakeProvider
	relay    *fakeRelay
	repo     *fakeRepo
	guard    *guard.Guard
	events   *fakeEvents
	jobs     *fakeJobs
	sleeps   []time.Duration
}

func newHarness(t *testing.T) *harness {
	g, err := guard.New(0)
	require.NoError(t, err)

	h := &harness{
		provider: &fakeProvider{},
		relay:    &fakeRelay{},
		repo:     &fakeRepo{},
		guard:    g,
		events:   &fakeEvents{},
		jobs:     &fakeJobs{},
	}
	st := store.NewSessionStore(h.repo).WithClock(func() time.Time { return now })
	interp := directive.NewInterpreter(fakeContacts{}, st, nil)
	h.mgr = NewManager(h.provider, st, interp, h.relay, g, nil)
	h.mgr.SetEventPublisher(h.events)
	h.mgr.SetExpiryScheduler(h.jobs)
	h.mgr.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func config() model.IntegrationConfig {
	return model.IntegrationConfig{
		BaseURL:        "https://bot.example",
		Slug:           "support",
		ExpiresMinutes: 30,
		KeywordFinish:  "sair",
		KeywordRestart: "reiniciar",
		UnknownMessage: "Sorry, I did not understand.",
		RestartMessage: "Starting over.",
	}
}

func freshTicket() *model.Ticket {
	return &model.Ticket{
		ID:        1,
		ContactID: 2,
		Contact:   &model.Contact{ID: 2, Name: "Ana", Number: "5511999990000"},
	}
}

func activeTicket(sessionTime time.Time) *model.Ticket {
	t := freshTicket()
	sess := "live-session"
	t.IsBot = true
	t.UseIntegration = true
	t.TypebotStatus = true
	t.TypebotSessionID = &sess
	t.TypebotSessionTime = &sessionTime
	return t
}

func textMessages(texts ...string) []typebot.Message {
	out := make([]typebot.Message, 0, len(texts))
	for _, s := range texts {
		out = append(out, typebot.Message{Kind: typebot.KindText, Text: s})
	}
	return out
}

func TestRun_CreatesSessionAndShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.provider.start = &typebot.StartResult{
		SessionID: "s-1",
		Messages:  textMessages("Hello!", "How can I help?"),
		Pending:   &typebot.PendingInput{VariableID: "v-need"},
	}
	ticket := freshTicket()

	err := h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "hi", Config: config()})
	require.NoError(t, err)

	assert.Equal(t, []string{"create"}, h.provider.calls)
	assert.Equal(t, []string{"hi"}, h.provider.initialTexts)
	assert.Equal(t, "s-1", ticket.SessionID())
	assert.True(t, ticket.IsBot)
	assert.True(t, ticket.UseIntegration)
	assert.True(t, ticket.TypebotStatus)
	require.NotNil(t, ticket.TypebotSessionTime)
	assert.Equal(t, now, *ticket.TypebotSessionTime)
	require.NotNil(t, ticket.TypebotPendingVariable)
	assert.Equal(t, "v-need", *ticket.TypebotPendingVariable)

	assert.Equal(t, []string{"Hello!", "How can I help?"}, h.relay.sent)
	assert.Equal(t, []time.Duration{30 * time.Minute}, h.jobs.scheduled)
	assert.Equal(t, []string{"bot.started", "bot.reply", "bot.reply"}, h.events.types())
}

func TestRun_CreateFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t)
	h.provider.startErr = &typebot.ProviderUnavailableError{StatusCode: 503}
	ticket := freshTicket()

	err := h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "hi", Config: config()})
	require.Error(t, err)
	assert.True(t, typebot.IsProviderUnavailable(err))
	assert.False(t, ticket.HasSession())
	assert.False(t, ticket.IsBot)
	assert.Empty(t, h.repo.updates)
	assert.Empty(t, h.relay.sent)
}

func TestRun_FinishKeywordTerminates(t *testing.T) {
	for _, text := range []string{"sair", "  SAIR  ", "Sair"} {
		t.Run(text, func(t *testing.T) {
			h := newHarness(t)
			ticket := activeTicket(now.Add(-time.Minute))

			require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: text, Config: config()}))

			assert.Empty(t, h.provider.calls)
			assert.False(t, ticket.HasSession())
			assert.False(t, ticket.IsBot)
			assert.False(t, ticket.UseIntegration)
			assert.False(t, ticket.TypebotStatus)
			require.Len(t, h.repo.messages, 1)
			assert.Equal(t, model.MessageKindSystem, h.repo.messages[0].Kind)
			assert.Empty(t, h.relay.sent)
			assert.Equal(t, []string{"bot.finished"}, h.events.types())
		})
	}
}

func TestRun_FinishKeywordWithoutSession(t *testing.T) {
	h := newHarness(t)
	ticket := freshTicket()

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "SAIR", Config: config()}))
	assert.Empty(t, h.provider.calls)
	assert.False(t, ticket.HasSession())
	assert.Len(t, h.repo.messages, 1)
}

func TestRun_RestartWithoutSessionOnlyAcknowledges(t *testing.T) {
	h := newHarness(t)
	ticket := freshTicket()

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "Reiniciar", Config: config()}))
	assert.Empty(t, h.provider.calls)
	assert.False(t, ticket.HasSession())
	assert.Equal(t, []string{"Starting over."}, h.relay.sent)
}

func TestRun_RestartClearsSessionKeepsBot(t *testing.T) {
	h := newHarness(t)
	ticket := activeTicket(now.Add(-time.Minute))

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "reiniciar", Config: config()}))
	assert.Empty(t, h.provider.calls)
	assert.False(t, ticket.HasSession())
	assert.Nil(t, ticket.TypebotSessionTime)
	assert.True(t, ticket.IsBot)
	assert.Equal(t, []string{"Starting over."}, h.relay.sent)

	// next inbound starts a fresh session
	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "hi again", Config: config()}))
	assert.Equal(t, []string{"create"}, h.provider.calls)
	assert.Equal(t, "new-session", ticket.SessionID())
}

func TestRun_StaleSessionRecreatesBeforeContinue(t *testing.T) {
	h := newHarness(t)
	ticket := activeTicket(now.Add(-31 * time.Minute))

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "still there?", Config: config()}))
	assert.Equal(t, []string{"create"}, h.provider.calls)
	assert.Equal(t, []string{"still there?"}, h.provider.initialTexts)
	assert.Equal(t, "new-session", ticket.SessionID())
}

func TestRun_ZeroExpiryNeverExpires(t *testing.T) {
	h := newHarness(t)
	cfg := config()
	cfg.ExpiresMinutes = 0
	ticket := activeTicket(now.Add(-48 * time.Hour))
	h.provider.replies = []*typebot.ContinueResult{{Messages: textMessages("ok")}}

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "hi", Config: cfg}))
	assert.Equal(t, []string{"continue"}, h.provider.calls)
}

func TestRun_ExpiredOnProviderRecreatesOnce(t *testing.T) {
	h := newHarness(t)
	h.provider.replies = []*typebot.ContinueResult{{SessionExpired: true}}
	h.provider.start = &typebot.StartResult{SessionID: "replacement", Messages: textMessages("Welcome back")}
	ticket := activeTicket(now.Add(-time.Minute))

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "order status", Config: config()}))

	assert.Equal(t, []string{"continue", "create"}, h.provider.calls)
	assert.Equal(t, []string{"order status"}, h.provider.initialTexts)
	assert.Equal(t, "replacement", ticket.SessionID())
	assert.True(t, ticket.IsBot)
	assert.Equal(t, []string{"Welcome back"}, h.relay.sent)

	// recreation must not touch the bot mode flags
	for _, upd := range h.repo.updates {
		assert.Nil(t, upd.IsBot)
		assert.Nil(t, upd.UseIntegration)
	}
}

func TestRun_RecreateFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t)
	h.provider.replies = []*typebot.ContinueResult{{SessionExpired: true}}
	h.provider.startErr = &typebot.ProviderUnavailableError{StatusCode: 500}
	ticket := activeTicket(now.Add(-time.Minute))

	err := h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "hi", Config: config()})
	require.Error(t, err)
	assert.False(t, ticket.HasSession())
	assert.True(t, ticket.IsBot)
}

func TestRun_NoReplyChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.provider.continueErr = &typebot.NoReplyError{StatusCode: 500}
	ticket := activeTicket(now.Add(-time.Minute))

	err := h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "hi", Config: config()})
	require.Error(t, err)
	assert.True(t, typebot.IsNoReply(err))
	assert.Equal(t, "live-session", ticket.SessionID())
	assert.Empty(t, h.repo.updates)
	assert.Empty(t, h.relay.sent)
}

func TestRun_ContinueRelaysWithPacing(t *testing.T) {
	h := newHarness(t)
	cfg := config()
	cfg.DelayMessageMs = 500
	h.provider.replies = []*typebot.ContinueResult{{
		Messages: textMessages("one", "two", "three"),
		Pending:  &typebot.PendingInput{VariableID: "v-email"},
	}}
	ticket := activeTicket(now.Add(-5 * time.Minute))

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "hi", Config: cfg}))

	assert.Equal(t, []string{"one", "two", "three"}, h.relay.sent)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, h.sleeps)
	assert.Equal(t, now, *ticket.TypebotSessionTime)
	assert.Equal(t, "v-email", *ticket.TypebotPendingVariable)
}

func TestRun_NoDelayMeansNoSleep(t *testing.T) {
	h := newHarness(t)
	h.provider.replies = []*typebot.ContinueResult{{Messages: textMessages("one", "two")}}

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: activeTicket(now), Text: "hi", Config: config()}))
	assert.Empty(t, h.sleeps)
}

func TestRun_PassesAttachmentsAndStreaming(t *testing.T) {
	h := newHarness(t)
	h.mgr.SetStreaming(true)
	files := []string{"https://files/a.jpg"}

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: activeTicket(now), Text: "pic", Config: config(), Attachments: files}))
	require.Len(t, h.provider.continued, 1)
	assert.Equal(t, files, h.provider.continued[0].AttachedFileURLs)
	assert.True(t, h.provider.continued[0].Stream)
	assert.Equal(t, int64(1), h.provider.continued[0].TicketID)
}

func TestRun_RawTextIsRelayed(t *testing.T) {
	h := newHarness(t)
	h.provider.replies = []*typebot.ContinueResult{{RawText: "plain streamed answer"}}

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: activeTicket(now), Text: "hi", Config: config()}))
	assert.Equal(t, []string{"plain streamed answer"}, h.relay.sent)
	assert.Equal(t, 0, h.guard.EmptyCount(1))
}

func TestRun_EmptyRepliesTriggerFallback(t *testing.T) {
	h := newHarness(t)
	ticket := activeTicket(now)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "hmm", Config: config()}))
	}
	assert.Equal(t, []string{"Sorry, I did not understand."}, h.relay.sent)
	assert.Equal(t, 0, h.guard.EmptyCount(ticket.ID))

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "hmm", Config: config()}))
	assert.Len(t, h.relay.sent, 1)
	assert.Equal(t, 1, h.guard.EmptyCount(ticket.ID))
}

func TestRun_NonEmptyReplyResetsEmptyCount(t *testing.T) {
	h := newHarness(t)
	ticket := activeTicket(now)
	h.provider.replies = []*typebot.ContinueResult{{}, {}, {Messages: textMessages("ok")}, {}}

	for i := 0; i < 4; i++ {
		require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "x", Config: config()}))
	}
	assert.Equal(t, []string{"ok"}, h.relay.sent)
	assert.Equal(t, 1, h.guard.EmptyCount(ticket.ID))
}

func TestRun_DirectiveReleasesTicketMidBatch(t *testing.T) {
	h := newHarness(t)
	h.provider.replies = []*typebot.ContinueResult{{
		Messages: textMessages("Transferring you", `#{"queueId":5}`, "never sent"),
		Pending:  &typebot.PendingInput{VariableID: "ignored"},
	}}
	ticket := activeTicket(now)

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "human please", Config: config()}))

	assert.Equal(t, []string{"Transferring you"}, h.relay.sent)
	require.NotNil(t, ticket.QueueID)
	assert.Equal(t, int64(5), *ticket.QueueID)
	assert.False(t, ticket.IsBot)
	assert.False(t, ticket.UseIntegration)
	assert.False(t, ticket.HasSession())
	assert.Nil(t, ticket.TypebotPendingVariable)
	assert.Contains(t, h.events.types(), "bot.stopped")
}

func TestRun_DirectiveOnlyReplyIsNotEmpty(t *testing.T) {
	h := newHarness(t)
	h.provider.replies = []*typebot.ContinueResult{{Messages: textMessages(`#{"vars":{"email":"a@b.c"}}`)}}
	ticket := activeTicket(now)

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: ticket, Text: "a@b.c", Config: config()}))
	assert.Empty(t, h.relay.sent)
	assert.Equal(t, 0, h.guard.EmptyCount(ticket.ID))
	assert.True(t, ticket.IsBot)
}

func TestRun_RelayFailureDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t)
	h.relay.err = errors.New("gateway down")
	h.provider.replies = []*typebot.ContinueResult{{Messages: textMessages("a", "b")}}

	require.NoError(t, h.mgr.Run(context.Background(), &Turn{Ticket: activeTicket(now), Text: "hi", Config: config()}))
	assert.Empty(t, h.repo.messages)
}

func TestMatchesKeyword(t *testing.T) {
	assert.True(t, MatchesKeyword(" Sair ", "sair"))
	assert.True(t, MatchesKeyword("sair", " SAIR"))
	assert.False(t, MatchesKeyword("sair agora", "sair"))
	assert.False(t, MatchesKeyword("", ""))
	assert.False(t, MatchesKeyword("anything", "  "))
}

func TestExpired(t *testing.T) {
	ticket := activeTicket(now.Add(-10 * time.Minute))
	assert.True(t, Expired(ticket, 5, now))
	assert.False(t, Expired(ticket, 15, now))
	assert.False(t, Expired(ticket, 0, now))
	assert.False(t, Expired(freshTicket(), 5, now))
}
