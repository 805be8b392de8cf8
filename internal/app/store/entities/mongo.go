// internal/app/store/entities/mongo.go
package entitystore

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	intentstore "github.com/dalemusser/classhub/internal/app/store/intents"
	"github.com/dalemusser/classhub/internal/app/system/idset"
	"github.com/dalemusser/classhub/internal/app/system/metrics"
	"github.com/dalemusser/classhub/internal/app/system/txn"
	"github.com/dalemusser/classhub/internal/domain/models"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var _ Store = (*Mongo)(nil)

// Commit paths.
const (
	modeUnknown int32 = iota
	modeTransaction
	modeJournal
)

// Options tune the Mongo store.
type Options struct {
	// Lease is how long an owner lease (journal path) stays valid without
	// renewal. Pending intents older than Lease are considered abandoned.
	Lease time.Duration
	// ForceJournal skips transaction detection and always journals.
	ForceJournal bool
}

// Mongo is the MongoDB-backed entity store.
//
// On replica sets every unit runs inside a snapshot transaction. On servers
// without transactions it switches (once, on first ErrNotSupported) to the
// intent journal: lease the owner and every peer, record the full op list
// plus pre-images, apply, then confirm.
type Mongo struct {
	db      *mongo.Database
	intents *intentstore.Store
	log     *zap.Logger
	lease   time.Duration
	mode    atomic.Int32
}

// NewMongo constructs the store.
func NewMongo(db *mongo.Database, logger *zap.Logger, opts Options) *Mongo {
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	m := &Mongo{
		db:      db,
		intents: intentstore.New(db),
		log:     logger,
		lease:   opts.Lease,
	}
	if opts.ForceJournal {
		m.mode.Store(modeJournal)
	}
	return m
}

// Journaling reports whether the store commits through the intent journal.
func (m *Mongo) Journaling() bool { return m.mode.Load() == modeJournal }

func (m *Mongo) switchToJournal() {
	if m.mode.Swap(modeJournal) != modeJournal {
		m.log.Warn("transactions not supported; membership writes will use the intent journal")
	}
}

func (m *Mongo) coll(kind Kind) *mongo.Collection {
	return m.db.Collection(string(kind))
}

/* --------------------------------- View ---------------------------------- */

// View runs fn against one consistent snapshot. With transactions this is a
// read-only snapshot transaction; on the journal path reads wait until no
// pending intent touches the documents being read.
func (m *Mongo) View(ctx context.Context, fn func(ctx context.Context, r Reader) error) error {
	if !m.Journaling() {
		err := txn.RunStrict(ctx, m.db, func(ctx context.Context) error {
			return fn(ctx, mongoReader{m: m})
		})
		if !errors.Is(err, txn.ErrNotSupported) {
			return err
		}
		m.switchToJournal()
	}
	return fn(ctx, mongoReader{m: m, settle: true})
}

/* -------------------------------- Update --------------------------------- */

// Update runs fn and commits the ops it staged as one unit.
func (m *Mongo) Update(ctx context.Context, label string, fn func(ctx context.Context, tx Tx) error) error {
	if !m.Journaling() {
		err := txn.RunStrict(ctx, m.db, func(ctx context.Context) error {
			t := &mongoTx{mongoReader: mongoReader{m: m}, inTxn: true}
			if err := fn(ctx, t); err != nil {
				return err
			}
			for _, op := range t.ops {
				if err := m.apply(ctx, op); err != nil {
					return &ApplyError{Op: op, Err: err}
				}
			}
			return nil
		})
		if !errors.Is(err, txn.ErrNotSupported) {
			if err == nil {
				metrics.Commits.WithLabelValues("transaction").Inc()
			}
			return err
		}
		m.switchToJournal()
	}
	return m.updateJournaled(ctx, label, fn)
}

// errContended restarts a journaled unit whose peer lease is held elsewhere.
var errContended = errors.New("entitystore: peer lease held")

// updateJournaled runs the unit until it gets every lease it asks for. A
// restarted unit has released all its leases, so waiting never happens while
// holding one.
func (m *Mongo) updateJournaled(ctx context.Context, label string, fn func(ctx context.Context, tx Tx) error) error {
	wait := 10 * time.Millisecond
	for {
		err := m.journalOnce(ctx, label, fn)
		if !errors.Is(err, errContended) {
			return err
		}
		metrics.Contentions.Inc()
		if err := sleep(ctx, wait/2+rand.N(wait)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrLocked, label, err)
		}
		if wait < 400*time.Millisecond {
			wait *= 2
		}
	}
}

func (m *Mongo) journalOnce(ctx context.Context, label string, fn func(ctx context.Context, tx Tx) error) error {
	t := &mongoTx{mongoReader: mongoReader{m: m}, token: uuid.NewString()}
	defer t.releaseLeases()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if len(t.ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := m.buildIntent(ctx, label, t)
	if err != nil {
		return err
	}
	if err := m.intents.Insert(ctx, in); err != nil {
		return fmt.Errorf("record intent: %w", err)
	}

	for i, op := range t.ops {
		if err := ctx.Err(); err != nil {
			m.rollback(in, i)
			return err
		}
		if err := m.apply(ctx, op); err != nil {
			m.rollback(in, i)
			return &ApplyError{Op: op, Err: err}
		}
	}

	if err := m.intents.SetState(ctx, in.ID, models.IntentCommitted); err != nil {
		// All ops are applied; recovery will re-apply (no-op) and confirm.
		m.log.Warn("intent confirm failed", zap.String("intent", in.ID), zap.Error(err))
	}
	metrics.Commits.WithLabelValues("journal").Inc()
	return nil
}

// rollback undoes the first n applied steps of in, newest first. It runs on a
// fresh context so an expired caller deadline does not strand the unit.
func (m *Mongo) rollback(in models.Intent, n int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.lease)
	defer cancel()

	for i := n - 1; i >= 0; i-- {
		if err := m.undo(ctx, in.Steps[i]); err != nil {
			// Leave the intent pending; recovery rolls it forward.
			m.log.Error("intent rollback failed; left for recovery",
				zap.String("intent", in.ID), zap.Int("step", i), zap.Error(err))
			return
		}
	}
	// The failing step itself may have partially applied (UpdateMany is not
	// atomic across documents); undo it too.
	if n < len(in.Steps) {
		if err := m.undo(ctx, in.Steps[n]); err != nil {
			m.log.Error("intent rollback failed; left for recovery",
				zap.String("intent", in.ID), zap.Int("step", n), zap.Error(err))
			return
		}
	}
	if err := m.intents.SetState(ctx, in.ID, models.IntentRolledBack); err != nil {
		m.log.Warn("intent rollback confirm failed", zap.String("intent", in.ID), zap.Error(err))
		return
	}
	metrics.Rollbacks.Inc()
}

/* ------------------------------ intent build ----------------------------- */

func (m *Mongo) buildIntent(ctx context.Context, label string, t *mongoTx) (models.Intent, error) {
	in := models.Intent{
		ID:      uuid.NewString(),
		Label:   label,
		LockKey: t.primaryKey(),
		State:   models.IntentPending,
	}
	touched := idset.Set{}
	for _, op := range t.ops {
		step, err := m.preImage(ctx, op)
		if err != nil {
			return models.Intent{}, fmt.Errorf("capture pre-image: %w", err)
		}
		in.Steps = append(in.Steps, step)
		touched.Add(op.IDs...)
	}
	in.Touched = touched.Slice()
	return in, nil
}

// preImage records which documents each step will actually change so the
// step can be undone exactly, without disturbing documents that already
// held (or already lacked) a ref.
func (m *Mongo) preImage(ctx context.Context, op Op) (models.IntentStep, error) {
	step := models.IntentStep{
		Collection: string(op.Kind),
		Action:     string(op.Action),
		IDs:        op.IDs,
		Field:      string(op.Field),
		Refs:       op.Refs,
	}
	c := m.coll(op.Kind)

	switch op.Action {
	case ActionAddRef, ActionPullRef:
		step.Changed = make(map[string][]primitive.ObjectID, len(op.Refs))
		for _, ref := range op.Refs {
			cond := bson.M{"$ne": ref}
			if op.Action == ActionPullRef {
				cond = bson.M{"$eq": ref}
			}
			ids, err := findIDs(ctx, c, bson.M{"_id": bson.M{"$in": op.IDs}, string(op.Field): cond})
			if err != nil {
				return step, err
			}
			step.Changed[ref.Hex()] = ids
		}
	case ActionDelete:
		cur, err := c.Find(ctx, bson.M{"_id": bson.M{"$in": op.IDs}})
		if err != nil {
			return step, err
		}
		defer cur.Close(ctx)
		for cur.Next(ctx) {
			step.PreImages = append(step.PreImages, append(bson.Raw(nil), cur.Current...))
		}
		if err := cur.Err(); err != nil {
			return step, err
		}
	}
	return step, nil
}

func stepOp(s models.IntentStep) Op {
	return Op{
		Kind:   Kind(s.Collection),
		Action: Action(s.Action),
		IDs:    s.IDs,
		Field:  Field(s.Field),
		Refs:   s.Refs,
	}
}

func (m *Mongo) undo(ctx context.Context, s models.IntentStep) error {
	c := m.coll(Kind(s.Collection))
	switch Action(s.Action) {
	case ActionAddRef, ActionPullRef:
		inverse := ActionPullRef
		if Action(s.Action) == ActionPullRef {
			inverse = ActionAddRef
		}
		for _, ref := range s.Refs {
			ids := s.Changed[ref.Hex()]
			if len(ids) == 0 {
				continue
			}
			op := Op{Kind: Kind(s.Collection), Action: inverse, IDs: ids, Field: Field(s.Field), Refs: []primitive.ObjectID{ref}}
			if err := m.apply(ctx, op); err != nil {
				return err
			}
		}
	case ActionDelete:
		for _, raw := range s.PreImages {
			if _, err := c.InsertOne(ctx, raw); err != nil && !mongo.IsDuplicateKeyError(err) {
				return err
			}
		}
	}
	return nil
}

/* ------------------------------- recovery -------------------------------- */

// Recover rolls forward every pending intent not updated within the lease
// window. Steps are idempotent, so re-applying an already applied step is a
// no-op. Returns the number of intents recovered.
func (m *Mongo) Recover(ctx context.Context) (int, error) {
	stale, err := m.intents.ListStale(ctx, time.Now().UTC().Add(-m.lease), 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, in := range stale {
		if err := m.recoverIntent(ctx, in); err != nil {
			return n, fmt.Errorf("recover intent %s: %w", in.ID, err)
		}
		n++
	}
	return n, nil
}

func (m *Mongo) recoverIntent(ctx context.Context, in models.Intent) error {
	for _, s := range in.Steps {
		if err := m.apply(ctx, stepOp(s)); err != nil {
			return err
		}
	}
	if err := m.intents.SetState(ctx, in.ID, models.IntentCommitted); err != nil {
		return err
	}
	metrics.IntentsRecovered.Inc()
	m.log.Info("recovered pending membership intent",
		zap.String("intent", in.ID), zap.String("label", in.Label), zap.Int("steps", len(in.Steps)))
	return nil
}

// settle blocks until no pending intent touches ids. Abandoned intents found
// on the way are recovered in place.
func (m *Mongo) settle(ctx context.Context, ids []primitive.ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	wait := 20 * time.Millisecond
	for {
		pending, err := m.intents.PendingTouching(ctx, ids)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		cutoff := time.Now().UTC().Add(-m.lease)
		for _, in := range pending {
			if in.UpdatedAt.Before(cutoff) {
				if err := m.recoverIntent(ctx, in); err != nil {
					return err
				}
			}
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		if wait < 500*time.Millisecond {
			wait *= 2
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

/* --------------------------------- writes -------------------------------- */

func (m *Mongo) apply(ctx context.Context, op Op) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.Empty() {
		return nil
	}
	c := m.coll(op.Kind)
	filter := bson.M{"_id": bson.M{"$in": op.IDs}}
	now := time.Now().UTC()

	var err error
	switch op.Action {
	case ActionAddRef:
		_, err = c.UpdateMany(ctx, filter, bson.M{
			"$addToSet": bson.M{string(op.Field): bson.M{"$each": op.Refs}},
			"$set":      bson.M{"updated_at": now},
		})
	case ActionPullRef:
		_, err = c.UpdateMany(ctx, filter, bson.M{
			"$pull": bson.M{string(op.Field): bson.M{"$in": op.Refs}},
			"$set":  bson.M{"updated_at": now},
		})
	case ActionDelete:
		_, err = c.DeleteMany(ctx, filter)
	}
	return err
}

/* ----------------------------------- tx ---------------------------------- */

type mongoTx struct {
	mongoReader
	inTxn  bool
	token  string
	leases []string
	ops    []Op
}

func lockKey(kind Kind, id primitive.ObjectID) string {
	return string(kind) + ":" + id.Hex()
}

func (t *mongoTx) primaryKey() string {
	if len(t.leases) == 0 {
		return ""
	}
	return t.leases[0]
}

// Lock claims the owner. In a transaction this is an early write to the
// owner document, so a concurrent unit on the same owner hits a write
// conflict and is retried against fresh state. On the journal path it
// acquires the owner lease, waiting while another unit holds it.
func (t *mongoTx) Lock(ctx context.Context, kind Kind, id primitive.ObjectID) error {
	if t.inTxn {
		res, err := t.m.coll(kind).UpdateOne(ctx, bson.M{"_id": id},
			bson.M{"$set": bson.M{"updated_at": time.Now().UTC()}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return ErrNotFound
		}
		return nil
	}

	key := lockKey(kind, id)
	wait := 20 * time.Millisecond
	for {
		takeover, err := t.m.intents.AcquireLease(ctx, key, t.token, t.m.lease)
		if err == nil {
			t.leases = append(t.leases, key)
			if takeover {
				if err := t.resolveAbandoned(ctx, key); err != nil {
					return err
				}
			}
			break
		}
		if !errors.Is(err, intentstore.ErrLeaseHeld) {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %w", ErrLocked, key, ctx.Err())
			}
			return err
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrLocked, key, err)
		}
		if wait < 500*time.Millisecond {
			wait *= 2
		}
	}

	missing, err := t.Missing(ctx, kind, []primitive.ObjectID{id})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return ErrNotFound
	}
	return t.m.settle(ctx, []primitive.ObjectID{id})
}

// LockPeers leases ids in sorted order without waiting. Inside a
// transaction it does nothing: a concurrent write to any of them is a write
// conflict.
func (t *mongoTx) LockPeers(ctx context.Context, kind Kind, ids []primitive.ObjectID) error {
	if t.inTxn || len(ids) == 0 {
		return nil
	}
	sorted := idset.Dedupe(ids)
	for _, id := range sorted {
		key := lockKey(kind, id)
		if slices.Contains(t.leases, key) {
			continue
		}
		takeover, err := t.m.intents.AcquireLease(ctx, key, t.token, t.m.lease)
		if errors.Is(err, intentstore.ErrLeaseHeld) {
			return fmt.Errorf("%w: %s", errContended, key)
		}
		if err != nil {
			return err
		}
		t.leases = append(t.leases, key)
		if takeover {
			if err := t.resolveAbandoned(ctx, key); err != nil {
				return err
			}
		}
	}
	return t.m.settle(ctx, sorted)
}

func (t *mongoTx) resolveAbandoned(ctx context.Context, key string) error {
	pending, err := t.m.intents.PendingForLock(ctx, key)
	if err != nil {
		return err
	}
	for _, in := range pending {
		if err := t.m.recoverIntent(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func (t *mongoTx) releaseLeases() {
	if len(t.leases) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range t.leases {
		if err := t.m.intents.ReleaseLease(ctx, key, t.token); err != nil {
			t.m.log.Warn("release lease failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (t *mongoTx) Stage(ops ...Op) {
	for _, op := range ops {
		if !op.Empty() {
			t.ops = append(t.ops, op)
		}
	}
}

/* -------------------------------- reader --------------------------------- */

type mongoReader struct {
	m      *Mongo
	settle bool
}

func (r mongoReader) wait(ctx context.Context, ids []primitive.ObjectID) error {
	if !r.settle {
		return nil
	}
	return r.m.settle(ctx, ids)
}

func findIDs(ctx context.Context, c *mongo.Collection, filter bson.M) ([]primitive.ObjectID, error) {
	cur, err := c.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []primitive.ObjectID{}
	for cur.Next(ctx) {
		var row struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, row.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	idset.Sort(out)
	return out, nil
}

func findAll[T any](ctx context.Context, c *mongo.Collection, filter bson.M) ([]T, error) {
	cur, err := c.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []T{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r mongoReader) Accounts(ctx context.Context, ids []primitive.ObjectID) ([]models.Account, error) {
	if len(ids) == 0 {
		return []models.Account{}, nil
	}
	if err := r.wait(ctx, ids); err != nil {
		return nil, err
	}
	return findAll[models.Account](ctx, r.m.coll(Accounts), bson.M{"_id": bson.M{"$in": ids}})
}

func (r mongoReader) Cohorts(ctx context.Context, ids []primitive.ObjectID) ([]models.Cohort, error) {
	if len(ids) == 0 {
		return []models.Cohort{}, nil
	}
	if err := r.wait(ctx, ids); err != nil {
		return nil, err
	}
	return findAll[models.Cohort](ctx, r.m.coll(Cohorts), bson.M{"_id": bson.M{"$in": ids}})
}

func (r mongoReader) Sessions(ctx context.Context, ids []primitive.ObjectID) ([]models.Session, error) {
	if len(ids) == 0 {
		return []models.Session{}, nil
	}
	if err := r.wait(ctx, ids); err != nil {
		return nil, err
	}
	return findAll[models.Session](ctx, r.m.coll(Sessions), bson.M{"_id": bson.M{"$in": ids}})
}

func (r mongoReader) Refs(ctx context.Context, kind Kind, id primitive.ObjectID, field Field) ([]primitive.ObjectID, error) {
	if !kind.HasField(field) {
		return nil, fmt.Errorf("entitystore: %s has no field %q", kind, field)
	}
	if err := r.wait(ctx, []primitive.ObjectID{id}); err != nil {
		return nil, err
	}
	var doc bson.M
	err := r.m.coll(kind).FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{string(field): 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return objectIDs(doc[string(field)]), nil
}

// objectIDs converts a decoded BSON array into ObjectIDs, skipping anything
// that is not an ObjectID.
func objectIDs(v interface{}) []primitive.ObjectID {
	arr, ok := v.(primitive.A)
	if !ok {
		return []primitive.ObjectID{}
	}
	out := make([]primitive.ObjectID, 0, len(arr))
	for _, x := range arr {
		if id, ok := x.(primitive.ObjectID); ok {
			out = append(out, id)
		}
	}
	return out
}

func (r mongoReader) Missing(ctx context.Context, kind Kind, ids []primitive.ObjectID) ([]primitive.ObjectID, error) {
	want := idset.Dedupe(ids)
	if len(want) == 0 {
		return []primitive.ObjectID{}, nil
	}
	found, err := findIDs(ctx, r.m.coll(kind), bson.M{"_id": bson.M{"$in": want}})
	if err != nil {
		return nil, err
	}
	return idset.Minus(idset.Of(want...), idset.Of(found...)), nil
}

func (r mongoReader) Referencing(ctx context.Context, kind Kind, field Field, ref primitive.ObjectID) ([]primitive.ObjectID, error) {
	if !kind.HasField(field) {
		return nil, fmt.Errorf("entitystore: %s has no field %q", kind, field)
	}
	return findIDs(ctx, r.m.coll(kind), bson.M{string(field): ref})
}

func (r mongoReader) FindSessions(ctx context.Context, f SessionFilter) ([]models.Session, error) {
	filter := bson.M{}
	if f.Date != "" {
		filter["date"] = f.Date
	}
	if !f.CohortID.IsZero() {
		filter[string(FieldCohortIDs)] = f.CohortID
	}
	if len(f.IDs) > 0 {
		filter["_id"] = bson.M{"$in": f.IDs}
	}
	out, err := findAll[models.Session](ctx, r.m.coll(Sessions), filter)
	if err != nil {
		return nil, err
	}
	if r.settle {
		ids := make([]primitive.ObjectID, len(out))
		for i, s := range out {
			ids[i] = s.ID
		}
		if err := r.m.settle(ctx, ids); err != nil {
			return nil, err
		}
	}
	return out, nil
}
