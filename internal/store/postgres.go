package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Projects & membership

// CreateProject inserts the project, its members and the initial conversation
// fan-out in one transaction. A crash mid-way leaves no project behind, so a
// project without its role conversations can never be observed.
func (s *PostgresStore) CreateProject(ctx context.Context, project Project, conversations []Conversation) error {
	roles, err := json.Marshal(project.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, title, description, roles)
		VALUES ($1, $2, $3, $4)
	`, project.ID, project.Title, project.Description, string(roles)); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}

	for _, member := range project.Members {
		if err := insertMemberTx(ctx, tx, project.ID, member); err != nil {
			return err
		}
	}

	for _, c := range conversations {
		if err := insertConversationTx(ctx, tx, c); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	var rolesRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, roles, created_at, updated_at
		FROM projects WHERE id = $1
	`, projectID).Scan(&project.ID, &project.Title, &project.Description, &rolesRaw, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, err
		}
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	_ = json.Unmarshal(rolesRaw, &project.Roles)

	members, err := s.listMembers(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	project.Members = members
	return project, nil
}

func (s *PostgresStore) listMembers(ctx context.Context, projectID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, nickname, role, created_at
		FROM project_members WHERE project_id = $1
		ORDER BY created_at, user_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Nickname, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.title, p.description, p.roles, p.created_at, p.updated_at
		FROM user_projects up
		JOIN projects p ON p.id = up.project_id
		WHERE up.user_id = $1
		ORDER BY p.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects for user: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var project Project
		var rolesRaw []byte
		if err := rows.Scan(&project.ID, &project.Title, &project.Description, &rolesRaw, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		_ = json.Unmarshal(rolesRaw, &project.Roles)
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// AddMember writes the membership row and the identity reverse-index in one
// transaction; both land or neither does.
func (s *PostgresStore) AddMember(ctx context.Context, projectID string, member Member) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add member: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMemberTx(ctx, tx, projectID, member); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add member: %w", err)
	}
	return nil
}

func insertMemberTx(ctx context.Context, tx *sql.Tx, projectID string, member Member) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, nickname, role)
		VALUES ($1, $2, $3, $4)
	`, projectID, member.UserID, member.Nickname, member.Role); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_projects (user_id, project_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, project_id) DO NOTHING
	`, member.UserID, projectID); err != nil {
		return fmt.Errorf("insert user project index: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMemberRole(ctx context.Context, projectID, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_members SET role = $3 WHERE project_id = $1 AND user_id = $2
	`, projectID, userID, role)
	if err != nil {
		return false, fmt.Errorf("update member role: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, projectID, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin remove member: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM project_members WHERE project_id = $1 AND user_id = $2
	`, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("delete member: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM user_projects WHERE user_id = $1 AND project_id = $2
	`, userID, projectID); err != nil {
		return false, fmt.Errorf("delete user project index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit remove member: %w", err)
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Conversations

// InsertConversations creates late-added conversations (for example a role
// conversation appearing after project creation) in a single transaction so a
// partial insert can never be observed.
func (s *PostgresStore) InsertConversations(ctx context.Context, conversations []Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert conversations: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range conversations {
		if err := insertConversationTx(ctx, tx, c); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert conversations: %w", err)
	}
	return nil
}

func insertConversationTx(ctx context.Context, tx *sql.Tx, c Conversation) error {
	restricted, err := json.Marshal(nonNilStrings(c.RestrictedToRoles))
	if err != nil {
		return fmt.Errorf("marshal restricted roles: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, project_id, title, restricted_to_roles)
		VALUES ($1, $2, $3, $4)
	`, c.ID, c.ProjectID, c.Title, string(restricted)); err != nil {
		return fmt.Errorf("insert conversation %s: %w", c.Title, err)
	}
	for _, p := range c.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, nickname)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, c.ID, p.UserID, p.Nickname); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, projectID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, restricted_to_roles, created_at
		FROM conversations WHERE project_id = $1
		ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range conversations {
		participants, err := s.listParticipants(ctx, conversations[i].ID)
		if err != nil {
			return nil, err
		}
		conversations[i].Participants = participants
	}
	return conversations, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, restricted_to_roles, created_at
		FROM conversations WHERE id = $1
	`, conversationID)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, sql.ErrNoRows
		}
		return Conversation{}, err
	}
	participants, err := s.listParticipants(ctx, c.ID)
	if err != nil {
		return Conversation{}, err
	}
	c.Participants = participants
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var restrictedRaw []byte
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Title, &restrictedRaw, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, err
		}
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	_ = json.Unmarshal(restrictedRaw, &c.RestrictedToRoles)
	return c, nil
}

func (s *PostgresStore) listParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, nickname FROM conversation_participants
		WHERE conversation_id = $1 ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Nickname); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *PostgresStore) AddConversationParticipant(ctx context.Context, conversationID, userID, nickname string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, nickname)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, conversationID, userID, nickname)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveConversationParticipant(ctx context.Context, conversationID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

// ConversationIDsForUser returns every conversation id across all of the
// user's projects that their current role may see.
func (s *PostgresStore) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id
		FROM conversations c
		JOIN project_members pm ON pm.project_id = c.project_id AND pm.user_id = $1
		WHERE c.restricted_to_roles = '[]'::jsonb
		   OR c.restricted_to_roles @> to_jsonb(ARRAY[pm.role])
		ORDER BY c.created_at, c.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("conversation ids for user: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---------------------------------------------------------------------------
// Messages

// AppendMessage inserts a message and returns the row exactly as committed,
// with the database-assigned seq and created_at.
func (s *PostgresStore) AppendMessage(ctx context.Context, message Message) (Message, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sender_name, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq, created_at
	`, message.ID, message.ConversationID, message.SenderID, message.SenderName, message.Content).
		Scan(&message.Seq, &message.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return message, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, sender_name, content, seq, created_at,
		       flagged_by_ai, flag_reason, flag_severity, flagged_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, seq
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, sender_name, content, seq, created_at,
		       flagged_by_ai, flag_reason, flag_severity, flagged_at
		FROM messages WHERE id = $1
	`, messageID)
	return scanMessage(row)
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var flagged bool
	var reason, severity sql.NullString
	var flaggedAt sql.NullTime
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Content,
		&m.Seq, &m.CreatedAt, &flagged, &reason, &severity, &flaggedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	if flagged {
		m.Flag = &Flag{
			FlaggedByAI: true,
			Reason:      reason.String,
			Severity:    severity.String,
			FlaggedAt:   flaggedAt.Time,
		}
	}
	return m, nil
}

// AnnotateMessage attaches a flag unless one is already present; the guard in
// the WHERE clause makes concurrent annotations first-write-wins. The second
// return value reports whether this call applied the flag.
func (s *PostgresStore) AnnotateMessage(ctx context.Context, messageID string, flag Flag) (Message, bool, error) {
	flaggedAt := flag.FlaggedAt
	if flaggedAt.IsZero() {
		flaggedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET flagged_by_ai = TRUE, flag_reason = $2, flag_severity = $3, flagged_at = $4
		WHERE id = $1 AND flagged_by_ai = FALSE
	`, messageID, flag.Reason, flag.Severity, flaggedAt)
	if err != nil {
		return Message{}, false, fmt.Errorf("annotate message: %w", err)
	}
	affected, _ := result.RowsAffected()

	message, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, false, err
	}
	return message, affected > 0, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
