package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"huddle/api/internal/config"
	"huddle/api/internal/store"
)

type fakeStore struct {
	pingFn                       func(context.Context) error
	createProjectFn              func(context.Context, store.Project, []store.Conversation) error
	getProjectFn                 func(context.Context, string) (store.Project, error)
	listProjectsForUserFn        func(context.Context, string) ([]store.Project, error)
	addMemberFn                  func(context.Context, string, store.Member) error
	updateMemberRoleFn           func(context.Context, string, string, string) (bool, error)
	removeMemberFn               func(context.Context, string, string) (bool, error)
	insertConversationsFn        func(context.Context, []store.Conversation) error
	listConversationsFn          func(context.Context, string) ([]store.Conversation, error)
	getConversationFn            func(context.Context, string) (store.Conversation, error)
	addConversationParticipantFn func(context.Context, string, string, string) error
	removeParticipantFn          func(context.Context, string, string) error
	conversationIDsForUserFn     func(context.Context, string) ([]string, error)
	appendMessageFn              func(context.Context, store.Message) (store.Message, error)
	listMessagesFn               func(context.Context, string, int) ([]store.Message, error)
	getMessageFn                 func(context.Context, string) (store.Message, error)
	annotateMessageFn            func(context.Context, string, store.Flag) (store.Message, bool, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) CreateProject(ctx context.Context, project store.Project, conversations []store.Conversation) error {
	if f.createProjectFn != nil {
		return f.createProjectFn(ctx, project, conversations)
	}
	return nil
}
func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) ListProjectsForUser(ctx context.Context, userID string) ([]store.Project, error) {
	if f.listProjectsForUserFn != nil {
		return f.listProjectsForUserFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) AddMember(ctx context.Context, projectID string, member store.Member) error {
	if f.addMemberFn != nil {
		return f.addMemberFn(ctx, projectID, member)
	}
	return nil
}
func (f *fakeStore) UpdateMemberRole(ctx context.Context, projectID, userID, role string) (bool, error) {
	if f.updateMemberRoleFn != nil {
		return f.updateMemberRoleFn(ctx, projectID, userID, role)
	}
	return true, nil
}
func (f *fakeStore) RemoveMember(ctx context.Context, projectID, userID string) (bool, error) {
	if f.removeMemberFn != nil {
		return f.removeMemberFn(ctx, projectID, userID)
	}
	return true, nil
}
func (f *fakeStore) InsertConversations(ctx context.Context, conversations []store.Conversation) error {
	if f.insertConversationsFn != nil {
		return f.insertConversationsFn(ctx, conversations)
	}
	return nil
}
func (f *fakeStore) ListConversations(ctx context.Context, projectID string) ([]store.Conversation, error) {
	if f.listConversationsFn != nil {
		return f.listConversationsFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) GetConversation(ctx context.Context, conversationID string) (store.Conversation, error) {
	if f.getConversationFn != nil {
		return f.getConversationFn(ctx, conversationID)
	}
	return store.Conversation{}, sql.ErrNoRows
}
func (f *fakeStore) AddConversationParticipant(ctx context.Context, conversationID, userID, nickname string) error {
	if f.addConversationParticipantFn != nil {
		return f.addConversationParticipantFn(ctx, conversationID, userID, nickname)
	}
	return nil
}
func (f *fakeStore) RemoveConversationParticipant(ctx context.Context, conversationID, userID string) error {
	if f.removeParticipantFn != nil {
		return f.removeParticipantFn(ctx, conversationID, userID)
	}
	return nil
}
func (f *fakeStore) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	if f.conversationIDsForUserFn != nil {
		return f.conversationIDsForUserFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) AppendMessage(ctx context.Context, message store.Message) (store.Message, error) {
	if f.appendMessageFn != nil {
		return f.appendMessageFn(ctx, message)
	}
	return message, nil
}
func (f *fakeStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, conversationID, limit)
	}
	return nil, nil
}
func (f *fakeStore) GetMessage(ctx context.Context, messageID string) (store.Message, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(ctx, messageID)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) AnnotateMessage(ctx context.Context, messageID string, flag store.Flag) (store.Message, bool, error) {
	if f.annotateMessageFn != nil {
		return f.annotateMessageFn(ctx, messageID, flag)
	}
	return store.Message{}, false, sql.ErrNoRows
}

func newTestService(fs *fakeStore) *Service {
	return New(config.Config{TokenSecret: "test-secret"}, fs)
}

func ownerSession() Session {
	return Session{UserID: "user-owner", UserName: "Olive"}
}

func expectDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d/%s, got %d/%s", status, code, domainErr.Status, domainErr.Code)
	}
	return domainErr
}

func TestCreateProjectFansOutRoleConversations(t *testing.T) {
	var stored []store.Conversation
	fs := &fakeStore{
		createProjectFn: func(_ context.Context, _ store.Project, conversations []store.Conversation) error {
			stored = conversations
			return nil
		},
	}
	service := newTestService(fs)

	_, conversations, err := service.CreateProject(context.Background(), ownerSession(), CreateProjectInput{
		Title: "Apollo",
		Roles: []string{"manager", "staff"},
		Members: []AddMemberInput{
			{UserID: "user-alice", Nickname: "Alice", Role: "manager"},
			{UserID: "user-bob", Nickname: "Bob", Role: "manager"},
			{UserID: "user-carol", Nickname: "Carol", Role: "staff"},
		},
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if len(stored) != len(conversations) {
		t.Fatalf("CreateProject must receive the whole fan-out in one call, got %d of %d", len(stored), len(conversations))
	}
	if len(conversations) != 4 {
		t.Fatalf("expected 4 conversations (owner, manager, staff, Everyone), got %d", len(conversations))
	}

	byTitle := map[string]store.Conversation{}
	for _, c := range conversations {
		byTitle[c.Title] = c
	}

	owner := byTitle["owner"]
	if len(owner.Participants) != 1 || owner.Participants[0].UserID != "user-owner" {
		t.Fatalf("owner conversation participants = %+v", owner.Participants)
	}
	manager := byTitle["manager"]
	if len(manager.Participants) != 2 {
		t.Fatalf("manager conversation should hold both managers, got %+v", manager.Participants)
	}
	if len(manager.RestrictedToRoles) != 1 || manager.RestrictedToRoles[0] != "manager" {
		t.Fatalf("manager conversation restriction = %v", manager.RestrictedToRoles)
	}
	staff := byTitle["staff"]
	if len(staff.Participants) != 1 || staff.Participants[0].UserID != "user-carol" {
		t.Fatalf("staff conversation participants = %+v", staff.Participants)
	}
	everyone := byTitle[EveryoneTitle]
	if len(everyone.Participants) != 4 {
		t.Fatalf("Everyone should hold all members, got %d", len(everyone.Participants))
	}
	if len(everyone.RestrictedToRoles) != 0 {
		t.Fatalf("Everyone must be unrestricted, got %v", everyone.RestrictedToRoles)
	}
}

func TestCreateProjectWritesNothingWhenStoreFails(t *testing.T) {
	fs := &fakeStore{
		createProjectFn: func(context.Context, store.Project, []store.Conversation) error {
			return errors.New("connection reset")
		},
		insertConversationsFn: func(context.Context, []store.Conversation) error {
			t.Fatal("fan-out must commit inside CreateProject, not as a separate insert")
			return nil
		},
	}
	service := newTestService(fs)

	_, conversations, err := service.CreateProject(context.Background(), ownerSession(), CreateProjectInput{
		Title:   "Apollo",
		Roles:   []string{"manager"},
		Members: []AddMemberInput{{UserID: "user-alice", Nickname: "Alice", Role: "manager"}},
	})
	if err == nil {
		t.Fatal("expected CreateProject to fail")
	}
	if conversations != nil {
		t.Fatalf("no conversations should survive a failed create, got %+v", conversations)
	}
}

func TestCreateProjectRejectsUnknownRole(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, _, err := service.CreateProject(context.Background(), ownerSession(), CreateProjectInput{
		Title:   "Apollo",
		Roles:   []string{"manager"},
		Members: []AddMemberInput{{UserID: "user-alice", Role: "wizard"}},
	})
	expectDomainError(t, err, 400, "INVALID_ROLE")
}

func TestCreateProjectRejectsDuplicateMember(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, _, err := service.CreateProject(context.Background(), ownerSession(), CreateProjectInput{
		Title: "Apollo",
		Roles: []string{"manager"},
		Members: []AddMemberInput{
			{UserID: "user-alice", Role: "manager"},
			{UserID: "user-alice", Role: "manager"},
		},
	})
	expectDomainError(t, err, 400, "DUPLICATE_MEMBER")
}

func apolloProject() store.Project {
	return store.Project{
		ID:    "proj-1",
		Title: "Apollo",
		Roles: []string{"manager", "staff", "owner"},
		Members: []store.Member{
			{UserID: "user-owner", Nickname: "Olive", Role: "owner"},
			{UserID: "user-alice", Nickname: "Alice", Role: "manager"},
		},
	}
}

func apolloConversations() []store.Conversation {
	return []store.Conversation{
		{ID: "conv-owner", ProjectID: "proj-1", Title: "owner", RestrictedToRoles: []string{"owner"}},
		{ID: "conv-manager", ProjectID: "proj-1", Title: "manager", RestrictedToRoles: []string{"manager"}},
		{ID: "conv-everyone", ProjectID: "proj-1", Title: EveryoneTitle},
	}
}

func TestAddMemberJoinsExistingConversations(t *testing.T) {
	joined := map[string]string{}
	var created []store.Conversation
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return apolloProject(), nil
		},
		listConversationsFn: func(context.Context, string) ([]store.Conversation, error) {
			return apolloConversations(), nil
		},
		addConversationParticipantFn: func(_ context.Context, conversationID, userID, _ string) error {
			joined[conversationID] = userID
			return nil
		},
		insertConversationsFn: func(_ context.Context, conversations []store.Conversation) error {
			created = append(created, conversations...)
			return nil
		},
	}
	service := newTestService(fs)

	_, err := service.AddMember(context.Background(), ownerSession(), "proj-1",
		AddMemberInput{UserID: "user-dave", Nickname: "Dave", Role: "staff"})
	if err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	if joined["conv-everyone"] != "user-dave" {
		t.Fatal("new member should join the Everyone conversation")
	}
	if len(created) != 1 || created[0].Title != "staff" {
		t.Fatalf("first staff member should create the staff conversation, got %+v", created)
	}
	if len(created[0].Participants) != 1 || created[0].Participants[0].UserID != "user-dave" {
		t.Fatalf("staff conversation participants = %+v", created[0].Participants)
	}

	// Same role again: joins the existing role conversation, creates nothing.
	joined = map[string]string{}
	created = nil
	_, err = service.AddMember(context.Background(), ownerSession(), "proj-1",
		AddMemberInput{UserID: "user-erin", Nickname: "Erin", Role: "manager"})
	if err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if joined["conv-manager"] != "user-erin" {
		t.Fatal("new manager should join the existing manager conversation")
	}
	if len(created) != 0 {
		t.Fatalf("no conversation should be created for an existing role, got %+v", created)
	}
}

func TestAddMemberRequiresOwner(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return apolloProject(), nil
		},
	}
	service := newTestService(fs)

	_, err := service.AddMember(context.Background(), Session{UserID: "user-alice"}, "proj-1",
		AddMemberInput{UserID: "user-dave", Role: "staff"})
	expectDomainError(t, err, 403, "UNAUTHORIZED")
}

func TestAssignRoleSyncsConversations(t *testing.T) {
	joined := map[string]string{}
	left := map[string]string{}
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return apolloProject(), nil
		},
		listConversationsFn: func(context.Context, string) ([]store.Conversation, error) {
			return apolloConversations(), nil
		},
		addConversationParticipantFn: func(_ context.Context, conversationID, userID, _ string) error {
			joined[conversationID] = userID
			return nil
		},
		removeParticipantFn: func(_ context.Context, conversationID, userID string) error {
			left[conversationID] = userID
			return nil
		},
	}
	service := newTestService(fs)

	_, err := service.AssignRole(context.Background(), ownerSession(), "proj-1", "user-alice",
		AssignRoleInput{Role: "owner"})
	if err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if joined["conv-owner"] != "user-alice" {
		t.Fatal("reassigned member should join their new role's conversation")
	}
	if left["conv-manager"] != "user-alice" {
		t.Fatal("reassigned member should leave their former role's conversation")
	}
}

func TestRemoveMemberUnknownUser(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return apolloProject(), nil
		},
		removeMemberFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
	}
	service := newTestService(fs)

	err := service.RemoveMember(context.Background(), ownerSession(), "proj-1", "user-ghost")
	expectDomainError(t, err, 404, "NOT_FOUND")
}

type recordingBroadcaster struct {
	created []store.Message
	flagged []store.Message
}

func (b *recordingBroadcaster) MessageCreated(m store.Message) { b.created = append(b.created, m) }
func (b *recordingBroadcaster) MessageFlagged(m store.Message) { b.flagged = append(b.flagged, m) }

type recordingPipeline struct {
	enqueued []store.Message
}

func (p *recordingPipeline) Enqueue(m store.Message) { p.enqueued = append(p.enqueued, m) }

func accessibleConversation(fs *fakeStore) {
	fs.getConversationFn = func(context.Context, string) (store.Conversation, error) {
		return store.Conversation{ID: "conv-manager", ProjectID: "proj-1", RestrictedToRoles: []string{"manager"}}, nil
	}
	fs.getProjectFn = func(context.Context, string) (store.Project, error) {
		return apolloProject(), nil
	}
}

func TestSendMessageBroadcastsPersistedMessage(t *testing.T) {
	fs := &fakeStore{
		appendMessageFn: func(_ context.Context, m store.Message) (store.Message, error) {
			m.Seq = 42
			return m, nil
		},
	}
	accessibleConversation(fs)
	service := newTestService(fs)

	broadcaster := &recordingBroadcaster{}
	pipeline := &recordingPipeline{}
	service.AttachBroadcaster(broadcaster)
	service.AttachPipeline(pipeline)

	sent, err := service.SendMessage(context.Background(),
		Session{UserID: "user-alice", UserName: "Alice"}, "conv-manager", "shipping friday")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.Seq != 42 {
		t.Fatalf("expected persisted seq on the returned message, got %d", sent.Seq)
	}
	if len(broadcaster.created) != 1 || broadcaster.created[0].Seq != 42 {
		t.Fatalf("broadcast should carry the persisted message, got %+v", broadcaster.created)
	}
	if len(pipeline.enqueued) != 1 || pipeline.enqueued[0].ID != sent.ID {
		t.Fatalf("pipeline should receive the persisted message, got %+v", pipeline.enqueued)
	}
}

// concurrentBroadcaster records broadcast seqs under a lock so it can sit on
// the hot path of parallel sends.
type concurrentBroadcaster struct {
	mu      sync.Mutex
	created []int64
}

func (b *concurrentBroadcaster) MessageCreated(m store.Message) {
	b.mu.Lock()
	b.created = append(b.created, m.Seq)
	b.mu.Unlock()
}
func (b *concurrentBroadcaster) MessageFlagged(store.Message) {}

func (b *concurrentBroadcaster) seqs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.created...)
}

func TestSendMessageKeepsBroadcastInAppendOrder(t *testing.T) {
	var appendMu sync.Mutex
	var nextSeq int64
	var appended []int64

	fs := &fakeStore{
		appendMessageFn: func(_ context.Context, m store.Message) (store.Message, error) {
			appendMu.Lock()
			defer appendMu.Unlock()
			nextSeq++
			m.Seq = nextSeq
			appended = append(appended, m.Seq)
			return m, nil
		},
	}
	accessibleConversation(fs)
	service := newTestService(fs)

	broadcaster := &concurrentBroadcaster{}
	service.AttachBroadcaster(broadcaster)

	const senders = 32
	var wg sync.WaitGroup
	wg.Add(senders)
	for i := 0; i < senders; i++ {
		go func(n int) {
			defer wg.Done()
			_, err := service.SendMessage(context.Background(),
				Session{UserID: "user-alice", UserName: "Alice"}, "conv-manager", fmt.Sprintf("update %d", n))
			if err != nil {
				t.Errorf("SendMessage: %v", err)
			}
		}(i)
	}
	wg.Wait()

	broadcast := broadcaster.seqs()
	if len(broadcast) != senders {
		t.Fatalf("expected %d broadcasts, got %d", senders, len(broadcast))
	}
	appendMu.Lock()
	defer appendMu.Unlock()
	for i := range broadcast {
		if broadcast[i] != appended[i] {
			t.Fatalf("broadcast order diverged from append order at %d:\nbroadcast %v\nappended  %v", i, broadcast, appended)
		}
	}
}

func TestSendMessageRejectsBlankContent(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, err := service.SendMessage(context.Background(), Session{UserID: "user-alice"}, "conv-manager", "   ")
	expectDomainError(t, err, 400, "EMPTY_CONTENT")
}

func TestSendMessageDeniesNonParticipant(t *testing.T) {
	fs := &fakeStore{}
	accessibleConversation(fs)
	service := newTestService(fs)

	_, err := service.SendMessage(context.Background(), Session{UserID: "user-ghost"}, "conv-manager", "hi")
	expectDomainError(t, err, 403, "UNAUTHORIZED")
}

func TestHistoryHidesConversationExistence(t *testing.T) {
	fs := &fakeStore{}
	accessibleConversation(fs)
	service := newTestService(fs)

	// user-owner is a member but holds "owner", not "manager".
	_, err := service.History(context.Background(), ownerSession(), "conv-manager", 50)
	domainErr := expectDomainError(t, err, 404, "NOT_FOUND")
	if domainErr.Message != "Conversation not found" {
		t.Fatalf("denial must not reveal the conversation exists, got %q", domainErr.Message)
	}
}

func TestHistoryReturnsMessagesInOrder(t *testing.T) {
	fs := &fakeStore{
		listMessagesFn: func(context.Context, string, int) ([]store.Message, error) {
			return []store.Message{{ID: "msg-1", Seq: 1}, {ID: "msg-2", Seq: 2}}, nil
		},
	}
	accessibleConversation(fs)
	service := newTestService(fs)

	messages, err := service.History(context.Background(), Session{UserID: "user-alice"}, "conv-manager", 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(messages) != 2 || messages[0].Seq >= messages[1].Seq {
		t.Fatalf("expected ascending seq order, got %+v", messages)
	}
}

func TestCanAccessUnknownConversation(t *testing.T) {
	service := newTestService(&fakeStore{})
	ok, err := service.CanAccess(context.Background(), "user-alice", "conv-missing")
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if ok {
		t.Fatal("unknown conversation must not be accessible")
	}
}
