// internal/app/bootstrap/dbdeps.go
package bootstrap

import (
	"github.com/dalemusser/classhub/internal/app/store/audit"
	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	intentstore "github.com/dalemusser/classhub/internal/app/store/intents"
	"github.com/dalemusser/classhub/internal/app/system/auditlog"
	"github.com/dalemusser/classhub/internal/app/system/workers"
	"go.mongodb.org/mongo-driver/mongo"
)

// DBDeps holds database/back-end dependencies for the app.
//
// Entities is shared by every handler and the recovery worker so the
// transaction/journal decision is made once per process.
type DBDeps struct {
	MongoClient   *mongo.Client
	MongoDatabase *mongo.Database

	Entities *entitystore.Mongo
	Intents  *intentstore.Store
	Recovery *workers.IntentRecovery

	AuditStore *audit.Store
	Audit      *auditlog.Logger
	AuditPurge *workers.AuditPurge // nil when audit_retention is 0
}
