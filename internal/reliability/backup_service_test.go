package reliability

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/tradesim/internal/database"
)

// fakeObjectStore keeps uploaded archives in memory
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(_ context.Context, key string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) Download(_ context.Context, key string, w io.WriterAt) (int64, error) {
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no such object: %s", key)
	}
	n, err := w.WriteAt(data, 0)
	return int64(n), err
}

func (f *fakeObjectStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ObjectInfo
	for key, data := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, ObjectInfo{Key: key, SizeBytes: int64(len(data))})
		}
	}
	return out, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeObjectStore) seed(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = []byte("archive-bytes")
}

// newBackupTestDB creates a file-backed database with one marker row
func newBackupTestDB(t *testing.T, dir, name string) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Conn().Exec("CREATE TABLE marker (id INTEGER PRIMARY KEY, label TEXT NOT NULL)")
	require.NoError(t, err)
	_, err = db.Conn().Exec("INSERT INTO marker (label) VALUES ('survives-backup')")
	require.NoError(t, err)

	return db
}

func newTestBackupService(t *testing.T, stores *database.Stores, fake *fakeObjectStore, dataDir string, now time.Time) *BackupService {
	t.Helper()

	log := zerolog.New(nil).Level(zerolog.Disabled)
	svc := NewBackupService(stores, fake, dataDir, log)
	svc.nowFn = func() time.Time { return now }
	return svc
}

func archiveKeyAt(ts time.Time) string {
	return archivePrefix + ts.Format(archiveTimeFmt) + ".tar.gz"
}

func TestBackupService_BackupAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stores := &database.Stores{
		AuthDB:   newBackupTestDB(t, dir, "auth"),
		MarketDB: newBackupTestDB(t, dir, "market"),
	}
	fake := newFakeObjectStore()
	now := time.Date(2026, 3, 2, 3, 15, 0, 0, time.UTC)
	svc := newTestBackupService(t, stores, fake, dir, now)

	require.NoError(t, svc.CreateAndUploadBackup(context.Background()))
	require.Equal(t, 1, fake.count())

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "tradesim-backup-2026-03-02-031500.tar.gz", backups[0].Filename)
	assert.Greater(t, backups[0].SizeBytes, int64(0))

	restoreDir := filepath.Join(dir, "restore")
	metadata, err := svc.RestoreBackup(context.Background(), backups[0].Filename, restoreDir)
	require.NoError(t, err)
	require.Len(t, metadata.Databases, 2)

	restored, err := sql.Open("sqlite", filepath.Join(restoreDir, "auth.db"))
	require.NoError(t, err)
	defer restored.Close()

	var label string
	require.NoError(t, restored.QueryRow("SELECT label FROM marker").Scan(&label))
	assert.Equal(t, "survives-backup", label)
}

func TestBackupService_RestoreUnknownArchiveFails(t *testing.T) {
	dir := t.TempDir()
	svc := newTestBackupService(t, &database.Stores{}, newFakeObjectStore(), dir, time.Now())

	_, err := svc.RestoreBackup(context.Background(), "tradesim-backup-2026-01-01-000000.tar.gz", filepath.Join(dir, "restore"))
	require.Error(t, err)
}

func TestBackupService_ListSkipsForeignKeys(t *testing.T) {
	fake := newFakeObjectStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fake.seed(archiveKeyAt(now.Add(-1 * time.Hour)))
	fake.seed(archiveKeyAt(now.Add(-49 * time.Hour)))
	fake.seed(archiveKeyAt(now.Add(-25 * time.Hour)))
	fake.seed("tradesim-backup-not-a-timestamp.tar.gz")

	svc := newTestBackupService(t, &database.Stores{}, fake, t.TempDir(), now)

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3, "unparseable archive names are skipped")

	assert.Equal(t, int64(1), backups[0].AgeHours)
	assert.Equal(t, int64(25), backups[1].AgeHours)
	assert.Equal(t, int64(49), backups[2].AgeHours)
}

func TestBackupService_RotationDeletesExpiredBeyondMinimum(t *testing.T) {
	fake := newFakeObjectStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ages := []int{1, 10, 20, 40, 50} // days
	for _, age := range ages {
		fake.seed(archiveKeyAt(now.AddDate(0, 0, -age)))
	}

	svc := newTestBackupService(t, &database.Stores{}, fake, t.TempDir(), now)
	require.NoError(t, svc.RotateOldBackups(context.Background(), 30))

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, int64(1*24), backups[0].AgeHours)
	assert.Equal(t, int64(10*24), backups[1].AgeHours)
	assert.Equal(t, int64(20*24), backups[2].AgeHours)
}

func TestBackupService_RotationKeepsMinimumRegardlessOfAge(t *testing.T) {
	fake := newFakeObjectStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, age := range []int{100, 200, 300} {
		fake.seed(archiveKeyAt(now.AddDate(0, 0, -age)))
	}

	svc := newTestBackupService(t, &database.Stores{}, fake, t.TempDir(), now)
	require.NoError(t, svc.RotateOldBackups(context.Background(), 30))

	assert.Equal(t, 3, fake.count())
}

func TestBackupService_RotationRetentionZeroKeepsEverything(t *testing.T) {
	fake := newFakeObjectStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, age := range []int{1, 100, 200, 300, 400} {
		fake.seed(archiveKeyAt(now.AddDate(0, 0, -age)))
	}

	svc := newTestBackupService(t, &database.Stores{}, fake, t.TempDir(), now)
	require.NoError(t, svc.RotateOldBackups(context.Background(), 0))

	assert.Equal(t, 5, fake.count())
}

func TestDatabaseMaintenanceJob_Run(t *testing.T) {
	dir := t.TempDir()
	stores := &database.Stores{
		MarketDB: newBackupTestDB(t, dir, "market"),
	}
	log := zerolog.New(nil).Level(zerolog.Disabled)
	job := NewDatabaseMaintenanceJob(stores, dir, log)

	assert.Equal(t, "database_maintenance", job.Name())
	require.NoError(t, job.Run())
}
