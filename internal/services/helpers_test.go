package services

import (
	"context"
	"strings"
	"sync"
	"testing"

	"flowstream/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:services_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l, _ := test.NewNullLogger()
	return l
}

// callRecorder 记录适配器和数据库的调用顺序
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *callRecorder) hasPrefix(prefix string) bool {
	for _, c := range r.list() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// watchQueries 把每次查询记录为 db:<table>
func watchQueries(t *testing.T, db *gorm.DB, rec *callRecorder) {
	t.Helper()
	err := db.Callback().Query().Before("gorm:query").Register("test:record_query", func(tx *gorm.DB) {
		rec.add("db:" + tx.Statement.Table)
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
}

type fakeSource struct {
	kind    SourceKind
	tickets []NormalizedTicket
	listErr error
	oneErr  error
	rec     *callRecorder
}

func (f *fakeSource) Source() SourceKind { return f.kind }

func (f *fakeSource) FetchTickets(_ context.Context, limit, offset int) ([]NormalizedTicket, error) {
	if f.rec != nil {
		f.rec.add("fetch:" + string(f.kind))
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	if offset >= len(f.tickets) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.tickets) {
		end = len(f.tickets)
	}
	return append([]NormalizedTicket(nil), f.tickets[offset:end]...), nil
}

func (f *fakeSource) FetchOne(_ context.Context, id string) (*NormalizedTicket, error) {
	if f.rec != nil {
		f.rec.add("one:" + string(f.kind) + ":" + id)
	}
	if f.oneErr != nil {
		return nil, f.oneErr
	}
	for i := range f.tickets {
		if strings.EqualFold(f.tickets[i].ExternalID, id) {
			t := f.tickets[i]
			return &t, nil
		}
	}
	return nil, nil
}

func (f *fakeSource) HealthCheck(context.Context) bool { return f.listErr == nil }

func snTicket(id, status, subject string) NormalizedTicket {
	return NormalizedTicket{Source: SourceServiceNow, ExternalID: id, Status: status, Subject: subject}
}

func jiraTicket(id, status, subject string) NormalizedTicket {
	return NormalizedTicket{Source: SourceJira, ExternalID: id, Status: status, Subject: subject}
}
