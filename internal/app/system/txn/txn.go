// Package txn runs multi-document writes inside MongoDB transactions.
//
// Transactions require a replica set or sharded cluster. Standalone servers
// (common in local development) reject them; RunStrict reports that as
// ErrNotSupported so callers can take a different commit path.
package txn

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// ErrNotSupported is returned by RunStrict when the deployment cannot run
// multi-document transactions.
var ErrNotSupported = errors.New("txn: transactions not supported by this deployment")

// RunStrict executes fn inside a snapshot/majority transaction. The driver
// retries fn on transient errors (write conflicts), so fn must recompute
// everything it writes from reads made through ctx.
func RunStrict(ctx context.Context, db *mongo.Database, fn func(ctx context.Context) error) error {
	sess, err := db.Client().StartSession()
	if err != nil {
		if IsNotSupported(err) {
			return ErrNotSupported
		}
		return err
	}
	defer sess.EndSession(ctx)

	opts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	}, opts)
	if err != nil && IsNotSupported(err) {
		return ErrNotSupported
	}
	return err
}

// IsNotSupported reports whether err indicates the server cannot run
// transactions or sessions (standalone mongod, some DocumentDB versions).
func IsNotSupported(err error) bool {
	if err == nil {
		return false
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		switch ce.Code {
		case 20, 51, 263: // IllegalOperation, ..., OperationNotSupportedInTransaction
			return true
		}
	}

	s := strings.ToLower(err.Error())
	has := func(sub string) bool { return strings.Contains(s, sub) }
	switch {
	case has("transaction") && has("replica set"):
		return true
	case has("not supported") && (has("session") || has("transaction")):
		return true
	case has("transaction") && has("session"):
		return true
	case has("illegal operation"):
		return true
	}
	return false
}
