package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"huddle/api/internal/access"
	"huddle/api/internal/auth"
	"huddle/api/internal/config"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

// Session identifies the caller. Tokens are minted by the external identity
// service; parsing one here is the whole session lookup.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type CreateProjectInput struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Roles       []string         `json:"roles"`
	Members     []AddMemberInput `json:"members"`
}

type AddMemberInput struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
}

type AssignRoleInput struct {
	Role string `json:"role"`
}

type SendMessageInput struct {
	Content string `json:"content"`
}

// RoleOwner is implicitly present in every project's role set; the creator
// holds it.
const RoleOwner = "owner"

// EveryoneTitle is the reserved title of the single unrestricted conversation.
const EveryoneTitle = "Everyone"

type dataStore interface {
	Ping(ctx context.Context) error
	CreateProject(ctx context.Context, project store.Project, conversations []store.Conversation) error
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]store.Project, error)
	AddMember(ctx context.Context, projectID string, member store.Member) error
	UpdateMemberRole(ctx context.Context, projectID, userID, role string) (bool, error)
	RemoveMember(ctx context.Context, projectID, userID string) (bool, error)
	InsertConversations(ctx context.Context, conversations []store.Conversation) error
	ListConversations(ctx context.Context, projectID string) ([]store.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (store.Conversation, error)
	AddConversationParticipant(ctx context.Context, conversationID, userID, nickname string) error
	RemoveConversationParticipant(ctx context.Context, conversationID, userID string) error
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)
	AppendMessage(ctx context.Context, message store.Message) (store.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	GetMessage(ctx context.Context, messageID string) (store.Message, error)
	AnnotateMessage(ctx context.Context, messageID string, flag store.Flag) (store.Message, bool, error)
}

// Broadcaster delivers events to connected clients. The transport implements
// it; a nil broadcaster (tests, CLI tooling) is skipped.
type Broadcaster interface {
	MessageCreated(message store.Message)
	MessageFlagged(message store.Message)
}

// MessagePipeline receives every durably appended message for asynchronous
// fact-checking. Enqueue must never block.
type MessagePipeline interface {
	Enqueue(message store.Message)
}

// MessageIndexer pushes appended messages into the search index.
type MessageIndexer interface {
	IndexMessage(message store.Message)
}

type Service struct {
	cfg         config.Config
	store       dataStore
	broadcaster Broadcaster
	pipeline    MessagePipeline
	indexer     MessageIndexer

	// appendMu serializes appends per conversation so broadcast order always
	// matches persisted order. Unrelated conversations never contend.
	appendMu keyedMutex
}

func New(cfg config.Config, dataStore dataStore) *Service {
	return &Service{
		cfg:   cfg,
		store: dataStore,
	}
}

// AttachBroadcaster wires the transport in after construction; the hub needs
// the service for access checks, so the two are linked post-hoc in main.
func (s *Service) AttachBroadcaster(b Broadcaster) { s.broadcaster = b }

func (s *Service) AttachPipeline(p MessagePipeline) { s.pipeline = p }

func (s *Service) AttachIndexer(i MessageIndexer) { s.indexer = i }

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// ---------------------------------------------------------------------------
// Membership & role registry

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (store.Project, []store.Conversation, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Project{}, nil, domainError(400, "INVALID_BODY", "Title is required", nil)
	}

	roles := append([]string{}, input.Roles...)
	if !containsString(roles, RoleOwner) {
		roles = append(roles, RoleOwner)
	}

	project := store.Project{
		ID:          util.NewID("proj"),
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Roles:       roles,
		Members: []store.Member{{
			UserID:   session.UserID,
			Nickname: session.UserName,
			Role:     RoleOwner,
		}},
	}

	seen := map[string]struct{}{session.UserID: {}}
	for _, m := range input.Members {
		if !access.ValidRole(project, m.Role) {
			return store.Project{}, nil, errInvalidRole(m.Role)
		}
		if _, dup := seen[m.UserID]; dup {
			return store.Project{}, nil, errDuplicateMember(m.UserID)
		}
		seen[m.UserID] = struct{}{}
		project.Members = append(project.Members, store.Member{
			UserID:   m.UserID,
			Nickname: m.Nickname,
			Role:     m.Role,
		})
	}

	conversations, err := s.fanOut(project)
	if err != nil {
		return store.Project{}, nil, err
	}

	if err := s.store.CreateProject(ctx, project, conversations); err != nil {
		return store.Project{}, nil, fmt.Errorf("create project: %w", err)
	}
	return project, conversations, nil
}

func (s *Service) AddMember(ctx context.Context, session Session, projectID string, input AddMemberInput) (store.Project, error) {
	project, err := s.getProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if err := s.requireOwner(project, session); err != nil {
		return store.Project{}, err
	}
	if !access.ValidRole(project, input.Role) {
		return store.Project{}, errInvalidRole(input.Role)
	}
	for _, m := range project.Members {
		if m.UserID == input.UserID {
			return store.Project{}, errDuplicateMember(input.UserID)
		}
	}

	member := store.Member{UserID: input.UserID, Nickname: input.Nickname, Role: input.Role}
	if err := s.store.AddMember(ctx, projectID, member); err != nil {
		return store.Project{}, fmt.Errorf("add member: %w", err)
	}

	// Keep the derived conversation set in step with membership; without this
	// a late-joining member would be stranded outside every room.
	if err := s.syncMemberConversations(ctx, projectID, member); err != nil {
		return store.Project{}, err
	}

	return s.getProject(ctx, projectID)
}

func (s *Service) AssignRole(ctx context.Context, session Session, projectID, userID string, input AssignRoleInput) (store.Project, error) {
	project, err := s.getProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if err := s.requireOwner(project, session); err != nil {
		return store.Project{}, err
	}
	if !access.ValidRole(project, input.Role) {
		return store.Project{}, errInvalidRole(input.Role)
	}

	var member store.Member
	found := false
	for _, m := range project.Members {
		if m.UserID == userID {
			member, found = m, true
			break
		}
	}
	if !found {
		return store.Project{}, errNotFound("Member not found")
	}

	updated, err := s.store.UpdateMemberRole(ctx, projectID, userID, input.Role)
	if err != nil {
		return store.Project{}, fmt.Errorf("assign role: %w", err)
	}
	if !updated {
		return store.Project{}, errNotFound("Member not found")
	}

	previousRole := member.Role
	member.Role = input.Role
	if err := s.syncMemberConversations(ctx, projectID, member); err != nil {
		return store.Project{}, err
	}
	if previousRole != input.Role {
		if err := s.leaveRoleConversations(ctx, projectID, userID, previousRole); err != nil {
			return store.Project{}, err
		}
	}
	return s.getProject(ctx, projectID)
}

// leaveRoleConversations withdraws a reassigned member from their former
// role's conversations. The access filter already hides them; this keeps the
// participant lists truthful as well.
func (s *Service) leaveRoleConversations(ctx context.Context, projectID, userID, role string) error {
	conversations, err := s.store.ListConversations(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	for _, c := range conversations {
		if !containsString(c.RestrictedToRoles, role) {
			continue
		}
		if err := s.store.RemoveConversationParticipant(ctx, c.ID, userID); err != nil {
			return fmt.Errorf("remove participant: %w", err)
		}
	}
	return nil
}

func (s *Service) RemoveMember(ctx context.Context, session Session, projectID, userID string) error {
	project, err := s.getProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.requireOwner(project, session); err != nil {
		return err
	}
	removed, err := s.store.RemoveMember(ctx, projectID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if !removed {
		return errNotFound("Member not found")
	}
	// Conversations are left untouched: they go stale but stay addressable
	// for audit, and the access filter already excludes the ex-member.
	return nil
}

func (s *Service) MyProjects(ctx context.Context, session Session) ([]store.Project, error) {
	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

func (s *Service) getProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, errNotFound("Project not found")
		}
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

func (s *Service) requireOwner(project store.Project, session Session) error {
	for _, m := range project.Members {
		if m.UserID == session.UserID {
			if m.Role != RoleOwner {
				return errUnauthorized("Only the project owner may change membership")
			}
			return nil
		}
	}
	return errNotFound("Project not found")
}

// ---------------------------------------------------------------------------
// Conversation fan-out

// fanOut derives the project's conversation set: one conversation per role
// present in the membership, each restricted to that role, plus a single
// unrestricted "Everyone". The result commits together with the project row
// so a half-created project can never be observed.
func (s *Service) fanOut(project store.Project) ([]store.Conversation, error) {
	if len(project.Members) == 0 {
		return nil, errNoMembers()
	}

	byRole := map[string][]store.Participant{}
	var roleOrder []string
	var everyone []store.Participant
	seen := map[string]struct{}{}

	for _, m := range project.Members {
		if _, ok := byRole[m.Role]; !ok {
			roleOrder = append(roleOrder, m.Role)
		}
		byRole[m.Role] = append(byRole[m.Role], store.Participant{UserID: m.UserID, Nickname: m.Nickname})
		if _, dup := seen[m.UserID]; !dup {
			seen[m.UserID] = struct{}{}
			everyone = append(everyone, store.Participant{UserID: m.UserID, Nickname: m.Nickname})
		}
	}

	var conversations []store.Conversation
	for _, role := range roleOrder {
		conversations = append(conversations, store.Conversation{
			ID:                util.NewID("conv"),
			ProjectID:         project.ID,
			Title:             role,
			RestrictedToRoles: []string{role},
			Participants:      byRole[role],
		})
	}
	conversations = append(conversations, store.Conversation{
		ID:           util.NewID("conv"),
		ProjectID:    project.ID,
		Title:        EveryoneTitle,
		Participants: everyone,
	})
	return conversations, nil
}

// syncMemberConversations appends a member to the unrestricted conversation
// and to their role's conversation, creating the role conversation when the
// role appears in the project for the first time.
func (s *Service) syncMemberConversations(ctx context.Context, projectID string, member store.Member) error {
	conversations, err := s.store.ListConversations(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	roleConversationExists := false
	for _, c := range conversations {
		if len(c.RestrictedToRoles) == 0 {
			if err := s.store.AddConversationParticipant(ctx, c.ID, member.UserID, member.Nickname); err != nil {
				return err
			}
			continue
		}
		if containsString(c.RestrictedToRoles, member.Role) {
			roleConversationExists = true
			if err := s.store.AddConversationParticipant(ctx, c.ID, member.UserID, member.Nickname); err != nil {
				return err
			}
		}
	}

	if !roleConversationExists {
		return s.store.InsertConversations(ctx, []store.Conversation{{
			ID:                util.NewID("conv"),
			ProjectID:         projectID,
			Title:             member.Role,
			RestrictedToRoles: []string{member.Role},
			Participants:      []store.Participant{{UserID: member.UserID, Nickname: member.Nickname}},
		}})
	}
	return nil
}

// ---------------------------------------------------------------------------
// Access filter

// VisibleConversations returns the subset of the project's conversations the
// caller may read and write. Computed fresh on every call.
func (s *Service) VisibleConversations(ctx context.Context, session Session, projectID string) ([]store.Conversation, error) {
	project, err := s.getProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	conversations, err := s.store.ListConversations(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return access.VisibleConversations(project, conversations, session.UserID), nil
}

// CanAccess re-validates a single conversation against the user's current
// membership. The transport calls this on every join; client claims are never
// trusted.
func (s *Service) CanAccess(ctx context.Context, userID, conversationID string) (bool, error) {
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get conversation: %w", err)
	}
	project, err := s.store.GetProject(ctx, conversation.ProjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get project: %w", err)
	}
	for _, m := range project.Members {
		if m.UserID == userID {
			return access.CanSee(m.Role, conversation), nil
		}
	}
	return false, nil
}

// ConversationIDsForUser lists every conversation the user's current roles
// can see, across all their projects. Used by the transport for presence and
// by search to scope queries.
func (s *Service) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	return s.store.ConversationIDsForUser(ctx, userID)
}

// SenderRole resolves the role a sender holds in the project owning the
// conversation. The fact-check gate uses it to suppress verification of
// privileged subjects.
func (s *Service) SenderRole(ctx context.Context, conversationID, userID string) (string, error) {
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("get conversation: %w", err)
	}
	project, err := s.store.GetProject(ctx, conversation.ProjectID)
	if err != nil {
		return "", fmt.Errorf("get project: %w", err)
	}
	for _, m := range project.Members {
		if m.UserID == userID {
			return m.Role, nil
		}
	}
	return "", errNotFound("Member not found")
}

// ---------------------------------------------------------------------------
// Messages

// History returns the ordered message log of a conversation. Unauthorized
// callers get NOT_FOUND: the error must not reveal that the conversation
// exists.
func (s *Service) History(ctx context.Context, session Session, conversationID string, limit int) ([]store.Message, error) {
	ok, err := s.CanAccess(ctx, session.UserID, conversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Printf("history denied: user=%s conversation=%s", session.UserID, conversationID)
		return nil, errNotFound("Conversation not found")
	}
	messages, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if messages == nil {
		messages = []store.Message{}
	}
	return messages, nil
}

// SendMessage validates, durably appends, then broadcasts. The append and the
// broadcast happen under a per-conversation lock so every room observes
// messages in persistence order; nothing is ever broadcast before it is
// committed.
func (s *Service) SendMessage(ctx context.Context, session Session, conversationID, content string) (store.Message, error) {
	if strings.TrimSpace(content) == "" {
		return store.Message{}, errEmptyContent()
	}
	ok, err := s.CanAccess(ctx, session.UserID, conversationID)
	if err != nil {
		return store.Message{}, err
	}
	if !ok {
		return store.Message{}, errUnauthorized("Not a participant of this conversation")
	}

	unlock := s.appendMu.lock(conversationID)
	defer unlock()

	message, err := s.store.AppendMessage(ctx, store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conversationID,
		SenderID:       session.UserID,
		SenderName:     session.UserName,
		Content:        content,
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("append message: %w", err)
	}

	if s.broadcaster != nil {
		s.broadcaster.MessageCreated(message)
	}
	if s.pipeline != nil {
		s.pipeline.Enqueue(message)
	}
	if s.indexer != nil {
		s.indexer.IndexMessage(message)
	}
	return message, nil
}

// SendFromConnection appends a message on behalf of a websocket connection.
// Delivery to the sender happens over the broadcast path like everyone else.
func (s *Service) SendFromConnection(ctx context.Context, userID, userName, conversationID, content string) error {
	_, err := s.SendMessage(ctx, Session{UserID: userID, UserName: userName}, conversationID, content)
	return err
}

// ---------------------------------------------------------------------------

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
