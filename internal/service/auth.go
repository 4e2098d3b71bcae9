package service

import (
	"context"
	"errors"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/model"
)

// ErrUnauthenticated is returned when no caller is attached to the context.
var ErrUnauthenticated = errors.New("service: unauthenticated")

// ErrForbidden is returned when the caller's role may not run an operation.
var ErrForbidden = errors.New("service: forbidden")

// Role is a caller's capability class.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleAnalyst Role = "analyst"
	RoleSystem  Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleAnalyst || r == RoleSystem
}

// Caller identifies who is invoking an operation.
type Caller struct {
	ID   string
	Role Role
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Operation names an API method for policy lookup.
type Operation string

const (
	OpEnqueueScoring     Operation = "EnqueueScoring"
	OpRecoverStaleItems  Operation = "RecoverStaleItems"
	OpGetScore           Operation = "GetScore"
	OpGetLatestSnapshot  Operation = "GetLatestSnapshot"
	OpRecordDecision     Operation = "RecordDecision"
	OpGetJobStatus       Operation = "GetJobStatus"
	OpRecalculateWeights Operation = "RecalculateWeights"
	OpQueueStats         Operation = "QueueStats"
)

// Policy maps each operation to the roles allowed to run it. Operations
// missing from the policy are denied.
type Policy map[Operation][]Role

// DefaultPolicy lets analysts read and decide, the system account run
// pipeline maintenance, and admins do everything.
func DefaultPolicy() Policy {
	readers := []Role{RoleAdmin, RoleAnalyst, RoleSystem}
	return Policy{
		OpEnqueueScoring:     readers,
		OpGetScore:           readers,
		OpGetLatestSnapshot:  readers,
		OpGetJobStatus:       readers,
		OpQueueStats:         readers,
		OpRecordDecision:     {RoleAdmin, RoleAnalyst},
		OpRecoverStaleItems:  {RoleAdmin, RoleSystem},
		OpRecalculateWeights: {RoleAdmin, RoleSystem},
	}
}

// Allows reports whether role may run op.
func (p Policy) Allows(op Operation, role Role) bool {
	return slices.Contains(p[op], role)
}

// authorized wraps an API with a capability check on every method.
type authorized struct {
	next   API
	policy Policy
}

// Authorized returns an API that checks the context's caller against policy
// before delegating to next.
func Authorized(next API, policy Policy) API {
	return &authorized{next: next, policy: policy}
}

func (a *authorized) check(ctx context.Context, op Operation) error {
	c, ok := CallerFrom(ctx)
	if !ok || c.ID == "" {
		return eris.Wrapf(ErrUnauthenticated, "%s", op)
	}
	if !a.policy.Allows(op, c.Role) {
		zap.L().Warn("service: operation denied",
			zap.String("operation", string(op)),
			zap.String("caller_id", c.ID),
			zap.String("role", string(c.Role)),
		)
		return eris.Wrapf(ErrForbidden, "%s for role %q", op, c.Role)
	}
	return nil
}

func (a *authorized) EnqueueScoring(ctx context.Context, req model.EnqueueRequest) (bool, error) {
	if err := a.check(ctx, OpEnqueueScoring); err != nil {
		return false, err
	}
	return a.next.EnqueueScoring(ctx, req)
}

func (a *authorized) RecoverStaleItems(ctx context.Context, thresholdMinutes int) (model.RecoveryReport, error) {
	if err := a.check(ctx, OpRecoverStaleItems); err != nil {
		return model.RecoveryReport{}, err
	}
	return a.next.RecoverStaleItems(ctx, thresholdMinutes)
}

func (a *authorized) GetScore(ctx context.Context, buyerID, dealID string) (*model.Score, error) {
	if err := a.check(ctx, OpGetScore); err != nil {
		return nil, err
	}
	return a.next.GetScore(ctx, buyerID, dealID)
}

func (a *authorized) GetLatestSnapshot(ctx context.Context, buyerID, dealID string) (*model.ScoreSnapshot, error) {
	if err := a.check(ctx, OpGetLatestSnapshot); err != nil {
		return nil, err
	}
	return a.next.GetLatestSnapshot(ctx, buyerID, dealID)
}

func (a *authorized) RecordDecision(ctx context.Context, req model.DecisionRequest) (*model.LearningEntry, error) {
	if err := a.check(ctx, OpRecordDecision); err != nil {
		return nil, err
	}
	return a.next.RecordDecision(ctx, req)
}

func (a *authorized) GetJobStatus(ctx context.Context, jobID string) (*model.EnrichmentJob, error) {
	if err := a.check(ctx, OpGetJobStatus); err != nil {
		return nil, err
	}
	return a.next.GetJobStatus(ctx, jobID)
}

func (a *authorized) RecalculateWeights(ctx context.Context, dealID string) (*Recalculation, error) {
	if err := a.check(ctx, OpRecalculateWeights); err != nil {
		return nil, err
	}
	return a.next.RecalculateWeights(ctx, dealID)
}

func (a *authorized) QueueStats(ctx context.Context) (model.QueueStats, error) {
	if err := a.check(ctx, OpQueueStats); err != nil {
		return nil, err
	}
	return a.next.QueueStats(ctx)
}
