package testutil

import (
	"context"

	"github.com/stretchr/testify/suite"
	"github.com/uptrace/bun"
)

// BaseSuite wires a testify suite to an isolated Postgres database. The
// suite gets one database cloned from the migrated template; each test
// runs inside a transaction rolled back afterwards, so tests never see
// each other's rows and cleanup costs nothing.
//
//	type QueueSuite struct {
//	    testutil.BaseSuite
//	}
//
//	func TestQueueSuite(t *testing.T) {
//	    testutil.SkipWithoutDatabase(t)
//	    suite.Run(t, &QueueSuite{BaseSuite: testutil.NewBaseSuite("queue")})
//	}
type BaseSuite struct {
	suite.Suite
	TestDB *TestDB
	Ctx    context.Context

	dbSuffix string
}

// NewBaseSuite tags the suite's database name with suffix, keeping
// failures attributable when several suites run at once.
func NewBaseSuite(suffix string) BaseSuite {
	return BaseSuite{dbSuffix: suffix}
}

func (s *BaseSuite) SetupSuite() {
	s.Ctx = context.Background()

	suffix := s.dbSuffix
	if suffix == "" {
		suffix = "suite"
	}

	db, err := SetupTestDB(s.Ctx, suffix)
	s.Require().NoError(err, "setup test database")
	s.TestDB = db
}

func (s *BaseSuite) TearDownSuite() {
	if s.TestDB != nil {
		s.TestDB.Close()
	}
}

func (s *BaseSuite) SetupTest() {
	s.Require().NoError(s.TestDB.Begin(s.Ctx), "begin test transaction")
}

func (s *BaseSuite) TearDownTest() {
	_ = s.TestDB.Rollback()
}

// DB returns the handle test queries should go through: the open test
// transaction during a test, the base connection around it.
func (s *BaseSuite) DB() bun.IDB {
	return s.TestDB.Conn()
}
