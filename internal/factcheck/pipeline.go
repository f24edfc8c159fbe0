package factcheck

import (
	"context"
	"errors"
	"log"
	"time"

	"huddle/api/internal/store"
)

// State names the stages of the pipeline's state machine. Every stage has a
// fail-open edge to StateSkipped: an unchecked message is a degraded outcome,
// never a blocking one.
type State string

const (
	StateExtracting State = "extracting"
	StateGating     State = "gating"
	StateVerifying  State = "verifying"
	StateAnnotating State = "annotating"
	StateDone       State = "done"
	StateSkipped    State = "skipped"
)

// Annotator attaches a flag to a message. Must be idempotent: the first flag
// wins and later calls report applied=false.
type Annotator interface {
	AnnotateMessage(ctx context.Context, messageID string, flag store.Flag) (store.Message, bool, error)
}

// RoleDirectory resolves the role a sender currently holds in the project
// owning a conversation.
type RoleDirectory interface {
	SenderRole(ctx context.Context, conversationID, userID string) (string, error)
}

// Broadcaster pushes the flag-update event down the same transport path as
// new messages.
type Broadcaster interface {
	MessageFlagged(message store.Message)
}

// privilegedSubjects maps a subject to the role required to have claims about
// it verified. A sender without the role gets no verification and no flag:
// the gate must not reveal the authoritative figures to unauthorized roles,
// not even by correcting them.
var privilegedSubjects = map[Subject]string{
	SubjectProfit: "manager",
}

// rolesSatisfying lists roles accepted wherever a privileged role is
// required; owners see everything managers do.
var rolesSatisfying = map[string][]string{
	"manager": {"manager", "owner"},
}

type Pipeline struct {
	classifier   Classifier
	support      SupportProvider
	annotator    Annotator
	roles        RoleDirectory
	broadcaster  Broadcaster
	stageTimeout time.Duration
	retryBackoff time.Duration
}

func NewPipeline(classifier Classifier, support SupportProvider, annotator Annotator, roles RoleDirectory, broadcaster Broadcaster, stageTimeout, retryBackoff time.Duration) *Pipeline {
	if stageTimeout <= 0 {
		stageTimeout = 20 * time.Second
	}
	return &Pipeline{
		classifier:   classifier,
		support:      support,
		annotator:    annotator,
		roles:        roles,
		broadcaster:  broadcaster,
		stageTimeout: stageTimeout,
		retryBackoff: retryBackoff,
	}
}

// Process runs the state machine once for a persisted message and returns the
// terminal state. A transient stage failure is retried exactly once after a
// backoff; a second failure abandons the message as Skipped. Process never
// returns an error: there is no caller that could do anything with one.
func (p *Pipeline) Process(ctx context.Context, message store.Message) State {
	state, err := p.run(ctx, message)
	if err == nil {
		return state
	}
	if errors.Is(err, ErrMalformedOutput) {
		log.Printf("factcheck: message %s: %v", message.ID, err)
		return StateSkipped
	}

	log.Printf("factcheck: message %s failed, retrying once: %v", message.ID, err)
	select {
	case <-ctx.Done():
		return StateSkipped
	case <-time.After(p.retryBackoff):
	}

	state, err = p.run(ctx, message)
	if err != nil {
		log.Printf("factcheck: message %s abandoned: %v", message.ID, err)
		return StateSkipped
	}
	return state
}

func (p *Pipeline) run(ctx context.Context, message store.Message) (State, error) {
	// Extracting
	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	intent, err := p.classifier.ExtractIntent(stageCtx, message.Content)
	cancel()
	if err != nil {
		return StateSkipped, err
	}

	// Gating
	if intent.Subject == SubjectNone {
		return StateSkipped, nil
	}
	if required, privileged := privilegedSubjects[intent.Subject]; privileged {
		role, err := p.roles.SenderRole(ctx, message.ConversationID, message.SenderID)
		if err != nil {
			return StateSkipped, err
		}
		if !roleSatisfies(role, required) {
			// Authorization failure: recorded for audit, invisible to the
			// sender, and verification is suppressed entirely.
			log.Printf("factcheck: audit: sender %s (role %s) not authorized for subject %s, message %s",
				message.SenderID, role, intent.Subject, message.ID)
			return StateSkipped, nil
		}
	}
	if !intent.factual() {
		return StateSkipped, nil
	}

	// Verifying
	stageCtx, cancel = context.WithTimeout(ctx, p.stageTimeout)
	support, err := p.support.Slice(stageCtx, intent.Subject, intent.TimeContext)
	cancel()
	if err != nil {
		return StateSkipped, err
	}
	if support == nil {
		return StateSkipped, nil
	}

	stageCtx, cancel = context.WithTimeout(ctx, p.stageTimeout)
	verdict, err := p.classifier.VerifyClaim(stageCtx, message.Content, intent, support)
	cancel()
	if err != nil {
		return StateSkipped, err
	}
	if verdict.Consistent {
		return StateDone, nil
	}

	// Annotating
	flag := store.Flag{
		FlaggedByAI: true,
		Reason:      verdict.Reason,
		Severity:    verdict.Severity,
		FlaggedAt:   time.Now().UTC(),
	}
	stageCtx, cancel = context.WithTimeout(ctx, p.stageTimeout)
	annotated, applied, err := p.annotator.AnnotateMessage(stageCtx, message.ID, flag)
	cancel()
	if err != nil {
		return StateSkipped, err
	}
	if applied && p.broadcaster != nil {
		p.broadcaster.MessageFlagged(annotated)
	}
	return StateDone, nil
}

func roleSatisfies(role, required string) bool {
	accepted, ok := rolesSatisfying[required]
	if !ok {
		accepted = []string{required}
	}
	for _, candidate := range accepted {
		if candidate == role {
			return true
		}
	}
	return false
}
