package workload

import (
	"context"
	"time"
)

// Statement names one step of the TPC-B-like transaction.
type Statement string

const (
	StatementBegin         Statement = "begin"
	StatementUpdateAccount Statement = "updateAccount"
	StatementSelectAccount Statement = "selectAccount"
	StatementUpdateTeller  Statement = "updateTeller"
	StatementUpdateBranch  Statement = "updateBranch"
	StatementInsertHistory Statement = "insertHistory"
	StatementCommit        Statement = "commit"
)

// Statements lists every statement in execution order.
func Statements() []Statement {
	return []Statement{
		StatementBegin,
		StatementUpdateAccount,
		StatementSelectAccount,
		StatementUpdateTeller,
		StatementUpdateBranch,
		StatementInsertHistory,
		StatementCommit,
	}
}

// Key space sizes per unit of scale.
const (
	AccountsPerScale = 100000
	TellersPerScale  = 10
	BranchesPerScale = 1
)

// History is the row appended by every transaction.
type History struct {
	TID   int
	BID   int
	AID   int
	Delta int
	MTime time.Time
}

// Target is a database the generator can drive.
type Target interface {
	// Check verifies the target can run multi-statement atomic transactions
	// with primary reads and majority writes. A failure here is a
	// configuration problem and no client is started.
	Check(ctx context.Context) error

	// Begin opens a transaction.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one open transaction on a Target.
type Tx interface {
	UpdateAccount(ctx context.Context, aid, delta int) error
	SelectAccount(ctx context.Context, aid int) error
	UpdateTeller(ctx context.Context, tid, delta int) error
	UpdateBranch(ctx context.Context, bid, delta int) error
	InsertHistory(ctx context.Context, h History) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Seeder is implemented by targets that can create the initial data set.
type Seeder interface {
	Seed(ctx context.Context, scale, batchSize int) error
}

// ErrorClassifier is implemented by targets that can name the kind of a
// statement failure, such as "contention".
type ErrorClassifier interface {
	Classify(err error) string
}
