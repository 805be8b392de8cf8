// internal/app/system/auditlog/logger.go
package auditlog

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dalemusser/classhub/internal/app/membership"
	"github.com/dalemusser/classhub/internal/app/store/audit"
	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	"github.com/dalemusser/classhub/internal/app/system/ratelimit"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Destinations for one category of events.
const (
	SettingAll = "all" // MongoDB + zap
	SettingDB  = "db"  // MongoDB only
	SettingLog = "log" // zap only
	SettingOff = "off"
)

// ValidSetting reports whether s is a known destination setting.
func ValidSetting(s string) bool {
	switch s {
	case SettingAll, SettingDB, SettingLog, SettingOff:
		return true
	}
	return false
}

// Config holds audit logging configuration.
type Config struct {
	// Entity covers account, cohort, and session create/update/delete.
	Entity string
	// Membership covers reconciles and single add/remove edits.
	Membership string
}

// Logger records audit events to MongoDB (via audit.Store) and zap.
type Logger struct {
	store  *audit.Store
	zapLog *zap.Logger
	config Config
}

func New(store *audit.Store, zapLog *zap.Logger, config Config) *Logger {
	return &Logger{
		store:  store,
		zapLog: zapLog,
		config: config,
	}
}

func (l *Logger) logToZap(event audit.Event) {
	fields := []zap.Field{
		zap.Bool("audit", true),
		zap.String("category", event.Category),
		zap.String("event_type", event.EventType),
		zap.Bool("success", event.Success),
		zap.String("ip", event.IP),
	}
	if event.Kind != "" {
		fields = append(fields, zap.String("kind", event.Kind))
	}
	if event.EntityID != nil {
		fields = append(fields, zap.String("entity_id", event.EntityID.Hex()))
	}
	if event.Relation != "" {
		fields = append(fields, zap.String("relation", event.Relation))
	}
	if event.FailureReason != "" {
		fields = append(fields, zap.String("failure_reason", event.FailureReason))
	}
	for k, v := range event.Details {
		fields = append(fields, zap.String("detail_"+k, v))
	}

	if event.Success {
		l.zapLog.Info("audit event", fields...)
	} else {
		l.zapLog.Warn("audit event", fields...)
	}
}

// Log records event according to the setting for its category.
// A nil Logger is a no-op.
func (l *Logger) Log(ctx context.Context, event audit.Event) {
	if l == nil {
		return
	}

	var setting string
	switch event.Category {
	case audit.CategoryEntity:
		setting = l.config.Entity
	case audit.CategoryMembership:
		setting = l.config.Membership
	default:
		setting = SettingAll
	}
	if setting == SettingOff {
		return
	}

	if setting == SettingAll || setting == SettingLog {
		l.logToZap(event)
	}
	if setting == SettingAll || setting == SettingDB {
		// The request may already be gone; the record should still land.
		if err := l.store.Log(context.WithoutCancel(ctx), event); err != nil {
			l.zapLog.Error("failed to store audit event",
				zap.Error(err),
				zap.String("event_type", event.EventType),
			)
		}
	}
}

func request(r *http.Request, e audit.Event) audit.Event {
	if r != nil {
		e.IP = ratelimit.ClientIP(r)
		e.UserAgent = r.UserAgent()
	}
	return e
}

func outcome(e audit.Event, err error) audit.Event {
	e.Success = err == nil
	if err != nil {
		e.FailureReason = err.Error()
	}
	return e
}

func entityEvent(r *http.Request, eventType string, kind entitystore.Kind, id primitive.ObjectID) audit.Event {
	return request(r, audit.Event{
		Category:  audit.CategoryEntity,
		EventType: eventType,
		Kind:      string(kind),
		EntityID:  &id,
	})
}

// --- Entity Events ---

func (l *Logger) AccountCreated(ctx context.Context, r *http.Request, id primitive.ObjectID, username, role string) {
	e := entityEvent(r, audit.EventAccountCreated, entitystore.Accounts, id)
	e.Success = true
	e.Details = map[string]string{"username": username, "role": role}
	l.Log(ctx, e)
}

// AccountUpdated logs a profile edit. fields lists what changed.
func (l *Logger) AccountUpdated(ctx context.Context, r *http.Request, id primitive.ObjectID, fields string) {
	e := entityEvent(r, audit.EventAccountUpdated, entitystore.Accounts, id)
	e.Success = true
	e.Details = map[string]string{"fields_changed": fields}
	l.Log(ctx, e)
}

func (l *Logger) PasswordReset(ctx context.Context, r *http.Request, id primitive.ObjectID, err error) {
	l.Log(ctx, outcome(entityEvent(r, audit.EventPasswordReset, entitystore.Accounts, id), err))
}

// AccountDeleted logs a cascade delete of an account, successful or not.
func (l *Logger) AccountDeleted(ctx context.Context, r *http.Request, id primitive.ObjectID, err error) {
	l.Log(ctx, outcome(entityEvent(r, audit.EventAccountDeleted, entitystore.Accounts, id), err))
}

func (l *Logger) CohortCreated(ctx context.Context, r *http.Request, id primitive.ObjectID, name string, members int) {
	e := entityEvent(r, audit.EventCohortCreated, entitystore.Cohorts, id)
	e.Success = true
	e.Details = map[string]string{"name": name, "members": strconv.Itoa(members)}
	l.Log(ctx, e)
}

// CohortUpdated logs a rename or (de)activation. fields lists what changed.
func (l *Logger) CohortUpdated(ctx context.Context, r *http.Request, id primitive.ObjectID, fields string) {
	e := entityEvent(r, audit.EventCohortUpdated, entitystore.Cohorts, id)
	e.Success = true
	e.Details = map[string]string{"fields_changed": fields}
	l.Log(ctx, e)
}

func (l *Logger) CohortDeleted(ctx context.Context, r *http.Request, id primitive.ObjectID, err error) {
	l.Log(ctx, outcome(entityEvent(r, audit.EventCohortDeleted, entitystore.Cohorts, id), err))
}

func (l *Logger) SessionCreated(ctx context.Context, r *http.Request, id primitive.ObjectID, sessionType, date string) {
	e := entityEvent(r, audit.EventSessionCreated, entitystore.Sessions, id)
	e.Success = true
	e.Details = map[string]string{"type": sessionType, "date": date}
	l.Log(ctx, e)
}

func (l *Logger) SessionUpdated(ctx context.Context, r *http.Request, id primitive.ObjectID, date string) {
	e := entityEvent(r, audit.EventSessionUpdated, entitystore.Sessions, id)
	e.Success = true
	e.Details = map[string]string{"date": date}
	l.Log(ctx, e)
}

func (l *Logger) SessionDeleted(ctx context.Context, r *http.Request, id primitive.ObjectID, err error) {
	l.Log(ctx, outcome(entityEvent(r, audit.EventSessionDeleted, entitystore.Sessions, id), err))
}

// SessionsDeletedByDate logs a bulk delete. failed counts the sessions that
// could not be removed.
func (l *Logger) SessionsDeletedByDate(ctx context.Context, r *http.Request, date string, deleted, failed int, err error) {
	e := request(r, audit.Event{
		Category:  audit.CategoryEntity,
		EventType: audit.EventSessionsDeletedDate,
		Kind:      string(entitystore.Sessions),
		Details: map[string]string{
			"date":    date,
			"deleted": strconv.Itoa(deleted),
			"failed":  strconv.Itoa(failed),
		},
	})
	l.Log(ctx, outcome(e, err))
}

// --- Membership Events ---

// LinksReconciled logs a Reconcile on rel for owner.
func (l *Logger) LinksReconciled(ctx context.Context, r *http.Request, rel membership.Relation, owner primitive.ObjectID, diff membership.Diff, err error) {
	e := request(r, audit.Event{
		Category:  audit.CategoryMembership,
		EventType: audit.EventLinksReconciled,
		Kind:      string(rel.Owner),
		EntityID:  &owner,
		Relation:  rel.Name,
		Details: map[string]string{
			"added":   strconv.Itoa(len(diff.Added)),
			"removed": strconv.Itoa(len(diff.Removed)),
		},
	})
	l.Log(ctx, outcome(e, err))
}

func (l *Logger) MemberAdded(ctx context.Context, r *http.Request, rel membership.Relation, owner, peer primitive.ObjectID, err error) {
	l.memberEdge(ctx, r, audit.EventMemberAdded, rel, owner, peer, err)
}

func (l *Logger) MemberRemoved(ctx context.Context, r *http.Request, rel membership.Relation, owner, peer primitive.ObjectID, err error) {
	l.memberEdge(ctx, r, audit.EventMemberRemoved, rel, owner, peer, err)
}

func (l *Logger) memberEdge(ctx context.Context, r *http.Request, eventType string, rel membership.Relation, owner, peer primitive.ObjectID, err error) {
	e := request(r, audit.Event{
		Category:  audit.CategoryMembership,
		EventType: eventType,
		Kind:      string(rel.Owner),
		EntityID:  &owner,
		Relation:  rel.Name,
		Details:   map[string]string{"peer_id": peer.Hex()},
	})
	l.Log(ctx, outcome(e, err))
}
