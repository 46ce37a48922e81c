package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/version"
)

const (
	archivePrefix   = "tradesim-backup-"
	archiveTimeFmt  = "2006-01-02-150405"
	metadataName    = "backup-metadata.json"
	minBackupsCount = 3
)

// BackupService snapshots every tradesim database into a tar.gz archive and
// ships it to object storage. Snapshots use VACUUM INTO so each copy is a
// consistent, WAL-free database file.
type BackupService struct {
	stores  *database.Stores
	store   ObjectStore
	dataDir string
	nowFn   func() time.Time
	log     zerolog.Logger
}

// BackupMetadata describes the contents of one backup archive
type BackupMetadata struct {
	Timestamp      time.Time          `json:"timestamp"`
	Version        string             `json:"version"`
	ServiceVersion string             `json:"service_version"`
	Databases      []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database file inside an archive
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes one archive stored in the bucket
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewBackupService creates a backup service over the open databases
func NewBackupService(stores *database.Stores, store ObjectStore, dataDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		stores:  stores,
		store:   store,
		dataDir: dataDir,
		nowFn:   time.Now,
		log:     log.With().Str("service", "backup").Logger(),
	}
}

// CreateAndUploadBackup snapshots all databases, archives them, and uploads
// the archive to object storage
func (s *BackupService) CreateAndUploadBackup(ctx context.Context) error {
	s.log.Info().Msg("Starting backup")
	startTime := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata, err := s.snapshotDatabases(stagingDir)
	if err != nil {
		return err
	}

	metadataPath := filepath.Join(stagingDir, metadataName)
	if err := s.writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := archivePrefix + metadata.Timestamp.Format(archiveTimeFmt) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)

	filenames := make([]string, 0, len(metadata.Databases)+1)
	for _, db := range metadata.Databases {
		filenames = append(filenames, db.Filename)
	}
	filenames = append(filenames, metadataName)

	if err := s.createArchive(archivePath, stagingDir, filenames); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, archiveName, archiveFile, archiveInfo.Size()); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("archive", archiveName).
		Int64("size_mb", archiveInfo.Size()/1024/1024).
		Msg("Backup completed successfully")

	return nil
}

// snapshotDatabases copies every open database into the staging directory and
// returns the metadata that describes the copies
func (s *BackupService) snapshotDatabases(stagingDir string) (BackupMetadata, error) {
	dbs := s.stores.All()

	metadata := BackupMetadata{
		Timestamp:      s.nowFn().UTC(),
		Version:        "1.0.0",
		ServiceVersion: version.Version,
		Databases:      make([]DatabaseMetadata, 0, len(dbs)),
	}

	for _, db := range dbs {
		filename := db.Name() + ".db"
		dbPath := filepath.Join(stagingDir, filename)

		s.log.Debug().Str("database", db.Name()).Msg("Snapshotting database")

		if err := s.snapshotDatabase(db, dbPath); err != nil {
			return metadata, fmt.Errorf("failed to snapshot %s: %w", db.Name(), err)
		}

		if err := verifySnapshot(dbPath); err != nil {
			os.Remove(dbPath)
			return metadata, fmt.Errorf("snapshot verification failed for %s: %w", db.Name(), err)
		}

		info, err := os.Stat(dbPath)
		if err != nil {
			return metadata, fmt.Errorf("failed to stat %s snapshot: %w", db.Name(), err)
		}

		checksum, err := fileChecksum(dbPath)
		if err != nil {
			return metadata, fmt.Errorf("failed to checksum %s snapshot: %w", db.Name(), err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      db.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	return metadata, nil
}

// snapshotDatabase copies one database using SQLite's VACUUM INTO, which
// produces a fresh compacted file with no WAL sidecar
func (s *BackupService) snapshotDatabase(db *database.DB, destPath string) error {
	if _, err := db.Conn().Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("VACUUM INTO failed: %w", err)
	}
	return nil
}

// verifySnapshot opens a snapshot file and runs an integrity check
func verifySnapshot(path string) error {
	snap, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer snap.Close()

	var result string
	if err := snap.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// ListBackups returns the archives in the bucket, newest first
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := s.nowFn()

	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}

		timestampStr := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".tar.gz")
		timestamp, err := time.Parse(archiveTimeFmt, timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", obj.Key).Msg("Failed to parse timestamp from filename")
			continue
		}

		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// RotateOldBackups deletes archives older than the retention period, always
// keeping the newest three regardless of age. retentionDays 0 keeps everything.
func (s *BackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	s.log.Info().Int("retention_days", retentionDays).Msg("Starting backup rotation")

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}

	if len(backups) <= minBackupsCount {
		s.log.Info().Int("count", len(backups)).Msg("Too few backups to rotate")
		return nil
	}

	var cutoff time.Time
	if retentionDays > 0 {
		cutoff = s.nowFn().AddDate(0, 0, -retentionDays)
	}

	deleted := 0
	for i, backup := range backups {
		if i < minBackupsCount || retentionDays == 0 {
			continue
		}
		if !backup.Timestamp.Before(cutoff) {
			continue
		}

		if err := s.store.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().
				Err(err).
				Str("filename", backup.Filename).
				Msg("Failed to delete old backup")
			continue
		}

		s.log.Info().
			Str("filename", backup.Filename).
			Time("timestamp", backup.Timestamp).
			Msg("Deleted old backup")
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")

	return nil
}

// RestoreBackup downloads an archive, verifies every database against the
// recorded checksums, and leaves the verified files in destDir. The live
// databases are never touched; swapping files in is an operator action.
func (s *BackupService) RestoreBackup(ctx context.Context, filename, destDir string) (*BackupMetadata, error) {
	s.log.Warn().Str("archive", filename).Str("dest", destDir).Msg("Restoring backup")

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create restore directory: %w", err)
	}

	archiveFile, err := os.CreateTemp(destDir, "download-*.tar.gz")
	if err != nil {
		return nil, fmt.Errorf("failed to create download file: %w", err)
	}
	archivePath := archiveFile.Name()
	defer os.Remove(archivePath)

	if _, err := s.store.Download(ctx, filename, archiveFile); err != nil {
		archiveFile.Close()
		return nil, err
	}
	if err := archiveFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush download: %w", err)
	}

	if err := extractArchive(archivePath, destDir); err != nil {
		return nil, fmt.Errorf("failed to extract archive: %w", err)
	}

	metadata, err := s.readMetadata(filepath.Join(destDir, metadataName))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	for _, db := range metadata.Databases {
		dbPath := filepath.Join(destDir, db.Filename)

		checksum, err := fileChecksum(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to checksum restored %s: %w", db.Name, err)
		}
		if checksum != db.Checksum {
			return nil, fmt.Errorf("checksum mismatch for %s: archive says %s, file is %s", db.Name, db.Checksum, checksum)
		}

		if err := verifySnapshot(dbPath); err != nil {
			return nil, fmt.Errorf("restored %s failed verification: %w", db.Name, err)
		}

		s.log.Info().Str("database", db.Name).Msg("Restored database verified")
	}

	s.log.Info().
		Str("archive", filename).
		Int("databases", len(metadata.Databases)).
		Msg("Backup restored and verified")

	return metadata, nil
}

// fileChecksum computes the sha256 of a file
func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// writeMetadata writes backup metadata as indented JSON
func (s *BackupService) writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// readMetadata loads backup metadata from an extracted archive
func (s *BackupService) readMetadata(path string) (*BackupMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var metadata BackupMetadata
	if err := json.NewDecoder(file).Decode(&metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}

// createArchive writes the named staging files into a tar.gz archive
func (s *BackupService) createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}

	return nil
}

// addFileToArchive appends one file to a tar stream
func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}
	return nil
}

// extractArchive unpacks a flat tar.gz archive into destDir. Entry names are
// reduced to their base name so a crafted archive cannot write outside destDir.
func extractArchive(archivePath, destDir string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return err
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		destPath := filepath.Join(destDir, filepath.Base(header.Name))
		out, err := os.Create(destPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tarReader); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}

	return nil
}
