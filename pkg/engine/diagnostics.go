package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"
)

// Event types for the diagnostic session state machine.
const (
	EventProposeHypothesis = "PROPOSE_HYPOTHESIS"
	EventRequestEvidence   = "REQUEST_EVIDENCE"
	EventSubmitEvidence    = "SUBMIT_EVIDENCE"
	EventConclude          = "CONCLUDE"
)

// machineContext is the session snapshot statekit carries as its context type.
type machineContext struct {
	SessionID  string
	StageID    string
	Hypotheses int
	Requests   int
}

// sessionRuntime wraps a session with thread-safe mutation. The machine's
// actions capture the runtime pointer so entry actions modify the original
// session, not statekit's copy.
type sessionRuntime struct {
	mu      sync.Mutex
	session *DiagnosticSession
}

func (r *sessionRuntime) snapshot() machineContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return machineContext{
		SessionID:  r.session.ID,
		StageID:    r.session.StageID,
		Hypotheses: len(r.session.Hypotheses),
		Requests:   len(r.session.Requests),
	}
}

func (r *sessionRuntime) recordHypothesis(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.Hypotheses = append(r.session.Hypotheses, Hypothesis{
		ID:         len(r.session.Hypotheses) + 1,
		Text:       text,
		ProposedAt: time.Now(),
	})
}

func (r *sessionRuntime) recordRequest(commands []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.Requests = append(r.session.Requests, EvidenceRequest{
		ID:          uuid.New().String(),
		Commands:    commands,
		RequestedAt: time.Now(),
	})
}

func (r *sessionRuntime) recordEvidence(output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.session.Requests) == 0 {
		return
	}
	last := &r.session.Requests[len(r.session.Requests)-1]
	last.Output = output
	received := time.Now()
	last.ReceivedAt = &received
}

func (r *sessionRuntime) recordConclusion(kind ConclusionKind, rootCause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.Conclusion = &Conclusion{
		Kind:        kind,
		RootCause:   rootCause,
		ConcludedAt: time.Now(),
	}
}

// buildSessionMachine constructs the diagnostic session state machine. The
// runtime pointer is captured by the entry actions so they mutate the
// persisted session.
func buildSessionMachine(runtime *sessionRuntime, initial SessionState) (*statekit.Interpreter[machineContext], error) {
	machine, err := statekit.NewMachine[machineContext]("diagnostic-session").
		WithInitial(statekit.StateID(initial)).
		WithContext(runtime.snapshot()).
		WithAction("recordHypothesis", func(_ *machineContext, event statekit.Event) {
			if payload, ok := event.Payload.(map[string]interface{}); ok {
				if text, ok := payload["text"].(string); ok {
					runtime.recordHypothesis(text)
				}
			}
		}).
		WithAction("recordRequest", func(_ *machineContext, event statekit.Event) {
			if payload, ok := event.Payload.(map[string]interface{}); ok {
				if commands, ok := payload["commands"].([]string); ok {
					runtime.recordRequest(commands)
				}
			}
		}).
		WithAction("recordEvidence", func(_ *machineContext, event statekit.Event) {
			if payload, ok := event.Payload.(map[string]interface{}); ok {
				if output, ok := payload["output"].(string); ok {
					runtime.recordEvidence(output)
				}
			}
		}).
		WithAction("recordConclusion", func(_ *machineContext, event statekit.Event) {
			if payload, ok := event.Payload.(map[string]interface{}); ok {
				kind, _ := payload["kind"].(ConclusionKind)
				rootCause, _ := payload["root_cause"].(string)
				runtime.recordConclusion(kind, rootCause)
			}
		}).
		// Opened: only a hypothesis moves the session forward.
		State(statekit.StateID(SessionStateOpened)).
		On(EventProposeHypothesis).Target(statekit.StateID(SessionStateHypothesizing)).Done().
		// Hypothesizing: refine the hypothesis or request probes for it.
		State(statekit.StateID(SessionStateHypothesizing)).
		OnEntry("recordHypothesis").
		On(EventProposeHypothesis).Target(statekit.StateID(SessionStateHypothesizing)).
		On(EventRequestEvidence).Target(statekit.StateID(SessionStateEvidenceRequested)).Done().
		// EvidenceRequested: waiting on probe output.
		State(statekit.StateID(SessionStateEvidenceRequested)).
		OnEntry("recordRequest").
		On(EventSubmitEvidence).Target(statekit.StateID(SessionStateEvidenceReceived)).Done().
		// EvidenceReceived: loop back with a new hypothesis, or conclude.
		State(statekit.StateID(SessionStateEvidenceReceived)).
		OnEntry("recordEvidence").
		On(EventProposeHypothesis).Target(statekit.StateID(SessionStateHypothesizing)).
		On(EventConclude).Target(statekit.StateID(SessionStateConcluded)).Done().
		// Concluded: terminal.
		State(statekit.StateID(SessionStateConcluded)).
		OnEntry("recordConclusion").Done().
		Build()

	if err != nil {
		return nil, err
	}

	return statekit.NewInterpreter(machine), nil
}

// DiagnosticManager drives diagnostic sessions: the structured
// hypothesis/evidence loop a failed stage must go through before its
// definition may change. The root-cause-before-fix rule is enforced by the
// engine through the mutation guard, not left as a convention.
type DiagnosticManager struct {
	// store persists sessions and events.
	store Store

	// publisher receives session events. May be nil.
	publisher EventPublisher
}

// NewDiagnosticManager creates a diagnostic manager over the given store.
func NewDiagnosticManager(store Store, publisher EventPublisher) *DiagnosticManager {
	return &DiagnosticManager{
		store:     store,
		publisher: publisher,
	}
}

// MutationGuard returns the guard the registry consults before permitting
// stage mutation. Mutation is refused while a session for the stage is open,
// and after a session concluded without a confirmed root cause.
func (m *DiagnosticManager) MutationGuard() MutationGuard {
	return func(stageID string) error {
		ctx := context.Background()

		open, err := m.store.OpenSessionForStage(ctx, stageID)
		if err != nil {
			return NewStoreError(fmt.Sprintf("failed to look up sessions for stage %s", stageID), err)
		}
		if open != nil {
			return NewDiagnosticError(
				fmt.Sprintf("stage %s cannot be mutated: diagnostic session %s is open and not concluded", stageID, open.ID),
				nil,
			).WithCode(ErrCodeSessionOpen).WithStage(stageID)
		}

		latest, err := m.store.LatestSession(ctx, stageID)
		if err != nil {
			return NewStoreError(fmt.Sprintf("failed to look up sessions for stage %s", stageID), err)
		}
		if latest != nil && !latest.RootCauseConfirmed() {
			return NewDiagnosticError(
				fmt.Sprintf("stage %s cannot be mutated: session %s concluded without a confirmed root cause", stageID, latest.ID),
				nil,
			).WithCode(ErrCodeSessionClosed).WithStage(stageID)
		}

		return nil
	}
}

// OpenForStage opens a session against the stage's latest run record. The
// record must be failed: diagnosing a verified stage means the operator is
// looking at the wrong stage.
func (m *DiagnosticManager) OpenForStage(ctx context.Context, stageID string) (*DiagnosticSession, error) {
	record, err := m.store.LatestRecord(ctx, stageID)
	if err != nil {
		return nil, NewStoreError(fmt.Sprintf("failed to load history for stage %s", stageID), err)
	}
	if record == nil {
		return nil, NewDiagnosticError(
			fmt.Sprintf("stage %s has no run record to diagnose", stageID),
			nil,
		).WithCode(ErrCodeInvalidTransition).WithStage(stageID)
	}
	return m.Open(ctx, record.ID)
}

// Open opens a session against a specific failed run record. At most one
// session per stage may be open at a time.
func (m *DiagnosticManager) Open(ctx context.Context, recordID string) (*DiagnosticSession, error) {
	record, err := m.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if record.Status != RecordStatusFailed {
		return nil, NewDiagnosticError(
			fmt.Sprintf("record %s is %s; a session can only open from a failed record", recordID, record.Status),
			nil,
		).WithCode(ErrCodeInvalidTransition).WithStage(record.StageID)
	}

	existing, err := m.store.OpenSessionForStage(ctx, record.StageID)
	if err != nil {
		return nil, NewStoreError(fmt.Sprintf("failed to look up sessions for stage %s", record.StageID), err)
	}
	if existing != nil {
		return nil, NewDiagnosticError(
			fmt.Sprintf("session %s is already open for stage %s", existing.ID, record.StageID),
			nil,
		).WithCode(ErrCodeSessionOpen).WithStage(record.StageID)
	}

	now := time.Now()
	session := &DiagnosticSession{
		ID:        uuid.New().String(),
		StageID:   record.StageID,
		RecordID:  record.ID,
		State:     SessionStateOpened,
		OpenedAt:  now,
		UpdatedAt: now,
	}

	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, NewStoreError("failed to save session", err)
	}

	m.publishEvent(ctx, record.RunID, record.StageID, EventTypeSessionOpened,
		fmt.Sprintf("Diagnostic session %s opened for stage %s (attempt %d)", session.ID, record.StageID, record.Attempt),
		map[string]interface{}{"session_id": session.ID, "record_id": record.ID})

	return session, nil
}

// ProposeHypothesis records a proposed explanation and moves the session to
// hypothesizing. Valid from opened, hypothesizing, and evidence_received.
func (m *DiagnosticManager) ProposeHypothesis(ctx context.Context, sessionID, text string) (*DiagnosticSession, error) {
	if text == "" {
		return nil, NewDiagnosticError("hypothesis text is required", nil)
	}
	return m.advance(ctx, sessionID, EventProposeHypothesis,
		map[string]interface{}{"text": text},
		SessionStateOpened, SessionStateHypothesizing, SessionStateEvidenceReceived)
}

// RequestEvidence records the read-only probe commands that would test the
// current hypothesis. Valid from hypothesizing only: evidence is always
// requested for a specific hypothesis.
func (m *DiagnosticManager) RequestEvidence(ctx context.Context, sessionID string, commands []string) (*DiagnosticSession, error) {
	if len(commands) == 0 {
		return nil, NewDiagnosticError("at least one probe command is required", nil)
	}
	return m.advance(ctx, sessionID, EventRequestEvidence,
		map[string]interface{}{"commands": commands},
		SessionStateHypothesizing)
}

// SubmitEvidence records probe output against the outstanding request.
// Valid from evidence_requested only.
func (m *DiagnosticManager) SubmitEvidence(ctx context.Context, sessionID, output string) (*DiagnosticSession, error) {
	return m.advance(ctx, sessionID, EventSubmitEvidence,
		map[string]interface{}{"output": output},
		SessionStateEvidenceRequested)
}

// Conclude closes the session, either with a confirmed root cause or as
// inconclusive. Only a confirmed root cause unlocks mutation of the
// implicated stage; an inconclusive conclusion keeps the stage locked until
// a later session confirms one. Valid from evidence_received only: a
// conclusion without evidence is a guess.
func (m *DiagnosticManager) Conclude(ctx context.Context, sessionID, rootCause string) (*DiagnosticSession, error) {
	kind := ConclusionRootCause
	if rootCause == "" {
		kind = ConclusionInconclusive
	}

	session, err := m.advance(ctx, sessionID, EventConclude,
		map[string]interface{}{"kind": kind, "root_cause": rootCause},
		SessionStateEvidenceReceived)
	if err != nil {
		return nil, err
	}

	outcome := "inconclusive"
	if kind == ConclusionRootCause {
		outcome = fmt.Sprintf("root cause confirmed: %s", rootCause)
	}
	m.publishEvent(ctx, "", session.StageID, EventTypeSessionConcluded,
		fmt.Sprintf("Diagnostic session %s concluded (%s)", session.ID, outcome),
		map[string]interface{}{"session_id": session.ID, "kind": string(kind)})

	return session, nil
}

// GetSession retrieves a session by ID.
func (m *DiagnosticManager) GetSession(ctx context.Context, sessionID string) (*DiagnosticSession, error) {
	return m.store.GetSession(ctx, sessionID)
}

// ListSessions lists sessions newest-first, up to limit.
func (m *DiagnosticManager) ListSessions(ctx context.Context, limit int) ([]DiagnosticSession, error) {
	return m.store.ListSessions(ctx, limit)
}

// advance validates the operation against the session's persisted state,
// drives the state machine through one event, and persists the outcome.
func (m *DiagnosticManager) advance(
	ctx context.Context,
	sessionID string,
	eventType string,
	payload map[string]interface{},
	validFrom ...SessionState,
) (*DiagnosticSession, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.State == SessionStateConcluded {
		return nil, NewDiagnosticError(
			fmt.Sprintf("session %s is concluded and cannot be advanced", sessionID),
			nil,
		).WithCode(ErrCodeSessionClosed).WithStage(session.StageID)
	}

	allowed := false
	for _, s := range validFrom {
		if session.State == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, NewDiagnosticError(
			fmt.Sprintf("session %s is %s; %s is not valid from that state", sessionID, session.State, eventType),
			nil,
		).WithCode(ErrCodeInvalidTransition).WithStage(session.StageID)
	}

	runtime := &sessionRuntime{session: session}
	interp, err := buildSessionMachine(runtime, session.State)
	if err != nil {
		return nil, NewInternalError("failed to build session state machine", err)
	}

	interp.Start()
	interp.Send(statekit.Event{Type: statekit.EventType(eventType), Payload: payload})
	next := SessionState(interp.State().Value)
	interp.Stop()

	session.State = next
	session.UpdatedAt = time.Now()

	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, NewStoreError("failed to save session", err)
	}

	return session, nil
}

// publishEvent appends to the store log and fans out to subscribers.
func (m *DiagnosticManager) publishEvent(
	ctx context.Context,
	runID, stageID string,
	eventType EventType,
	message string,
	data map[string]interface{},
) {
	event := &Event{
		RunID:     runID,
		StageID:   stageID,
		Type:      eventType,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}

	if m.store != nil {
		_ = m.store.AppendEvent(ctx, event)
	}
	if m.publisher != nil {
		_ = m.publisher.Publish(ctx, event)
	}
}
