package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mwade/parley/pkg/store"
	"github.com/rs/zerolog/log"
)

// ErrNotFound reports a missing or soft-expired conversation.
var ErrNotFound = errors.New("conversation not found")

// ErrStateCorrupt reports an undecodable or internally inconsistent
// checkpoint. It is fatal for that conversation only; the store never
// guesses and continues.
var ErrStateCorrupt = errors.New("conversation state is corrupt")

const (
	keyPrefix = "conv:"

	// DefaultTTL is the soft-expiry window for idle conversations.
	DefaultTTL = 72 * time.Hour
)

// Store persists conversations as checkpoints in the shared keyed store.
// Checkpoints are append-only at the turn level: every write reflects the
// full history, and replaying a turn ID is idempotent.
type Store struct {
	kv  store.KV
	ttl time.Duration
}

// NewStore creates a conversation store with the given soft-expiry TTL
// (DefaultTTL when zero).
func NewStore(kv store.KV, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, ttl: ttl}
}

// Ensure loads the conversation, creating it on first contact. A created
// conversation starts at StepWelcome for structured flows.
func (s *Store) Ensure(ctx context.Context, id, ownerID string, flow Flow) (*Conversation, error) {
	conv, err := s.Load(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	conv = &Conversation{
		ID:        id,
		OwnerID:   ownerID,
		Flow:      flow,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if flow == FlowStructured {
		conv.Step = StepWelcome
	}

	if err := s.persist(ctx, conv); err != nil {
		return nil, err
	}

	log.Info().Str("conversation", id).Str("flow", string(flow)).Msg("Conversation created")
	return conv, nil
}

// Load reads and validates a conversation. A trailing turn without its
// completion marker (process died mid-turn) is discarded and reported via
// DiscardedTurn so it is never duplicated on resume.
func (s *Store) Load(ctx context.Context, id string) (*Conversation, error) {
	data, ok, err := s.kv.Get(ctx, keyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, id, err)
	}
	if err := validate(&conv); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, id, err)
	}

	if last := conv.LastTurn(); last != nil && !last.Completed {
		discarded := *last
		conv.Turns = conv.Turns[:len(conv.Turns)-1]
		conv.DiscardedTurn = &discarded
		log.Warn().
			Str("conversation", id).
			Str("turn", discarded.ID).
			Msg("Discarded incomplete turn from interrupted process")
	}

	return &conv, nil
}

// AppendTurn checkpoints one turn and returns the resulting history version
// (the turn count). Appending a turn ID that is already recorded is a
// no-op returning the current version, which makes checkpoint writes safe
// to replay. Seq is assigned from the stored history, not the caller.
func (s *Store) AppendTurn(ctx context.Context, id string, turn Turn) (int, error) {
	return s.Checkpoint(ctx, id, turn)
}

// Checkpoint appends a group of turns in one durable write, so a full
// exchange (user message plus agent reply) costs exactly one store write.
// Turns whose IDs are already recorded are skipped; any incomplete trailing
// turn from an interrupted run is dropped by Load before the append, never
// duplicated.
func (s *Store) Checkpoint(ctx context.Context, id string, turns ...Turn) (int, error) {
	conv, err := s.Load(ctx, id)
	if err != nil {
		return 0, err
	}

	recorded := make(map[string]bool, len(conv.Turns))
	for _, existing := range conv.Turns {
		recorded[existing.ID] = true
	}

	appended := 0
	for _, turn := range turns {
		if recorded[turn.ID] {
			log.Debug().
				Str("conversation", id).
				Str("turn", turn.ID).
				Msg("Turn already checkpointed, skipping replay")
			continue
		}

		turn.Seq = len(conv.Turns) + 1
		if turn.Timestamp.IsZero() {
			turn.Timestamp = time.Now()
		}
		conv.Turns = append(conv.Turns, turn)
		recorded[turn.ID] = true
		appended++
	}

	if appended == 0 {
		return len(conv.Turns), nil
	}

	conv.UpdatedAt = time.Now()
	conv.ExpiresAt = conv.UpdatedAt.Add(s.ttl)

	if err := s.persist(ctx, conv); err != nil {
		return 0, err
	}
	return len(conv.Turns), nil
}

// SetStep records a structured-flow transition. The step is the only
// stored flow position; derived state is never persisted redundantly.
func (s *Store) SetStep(ctx context.Context, id string, step Step) error {
	if !ValidStep(step) {
		return fmt.Errorf("invalid flow step %q", step)
	}

	conv, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if conv.Flow != FlowStructured {
		return fmt.Errorf("conversation %s is not a structured flow", id)
	}

	conv.Step = step
	conv.UpdatedAt = time.Now()
	conv.ExpiresAt = conv.UpdatedAt.Add(s.ttl)

	return s.persist(ctx, conv)
}

func (s *Store) persist(ctx context.Context, conv *Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation %s: %w", conv.ID, err)
	}
	if err := s.kv.Set(ctx, keyPrefix+conv.ID, data, s.ttl); err != nil {
		return fmt.Errorf("failed to persist conversation %s: %w", conv.ID, err)
	}
	return nil
}

func validate(conv *Conversation) error {
	if conv.ID == "" {
		return errors.New("missing conversation id")
	}
	switch conv.Flow {
	case FlowStructured:
		if !ValidStep(conv.Step) {
			return fmt.Errorf("unknown flow step %q", conv.Step)
		}
	case FlowOpenEnded:
	default:
		return fmt.Errorf("unknown flow kind %q", conv.Flow)
	}
	for i, turn := range conv.Turns {
		if turn.Seq != i+1 {
			return fmt.Errorf("turn %s out of sequence: have %d, want %d", turn.ID, turn.Seq, i+1)
		}
		if i < len(conv.Turns)-1 && !turn.Completed {
			return fmt.Errorf("non-trailing turn %s lacks completion marker", turn.ID)
		}
	}
	return nil
}
