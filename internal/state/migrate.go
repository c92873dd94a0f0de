package state

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	apperrors "github.com/alexjbarnes/onedrive-sync/internal/errors"
)

// MigrationResult summarizes a completed JSON to bolt migration.
type MigrationResult struct {
	FileCache  int
	Files      int
	BackupPath string
}

// MigrateJSONToBolt copies every map from the JSON document at jsonPath
// into a new bolt database at boltPath. It refuses to touch an existing
// database, backs up the JSON file first, and verifies entry counts
// before declaring success. On any failure the partial database is
// removed and the JSON file is left as it was.
func MigrateJSONToBolt(jsonPath, boltPath string, logger *slog.Logger) (res *MigrationResult, err error) {
	if _, err := os.Stat(boltPath); err == nil {
		return nil, fmt.Errorf("%s: %w", boltPath, apperrors.ErrMigrationTargetExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking migration target: %w", err)
	}

	if _, err := os.Stat(jsonPath); err != nil {
		return nil, fmt.Errorf("reading migration source: %w", err)
	}

	backupPath := jsonPath + ".backup"

	logger.Info("migrate: creating backup", slog.String("path", backupPath))

	if err := copyFile(jsonPath, backupPath); err != nil {
		return nil, fmt.Errorf("backing up %s: %w", jsonPath, err)
	}

	src, err := readJSONDocument(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", jsonPath, err)
	}

	dst, err := OpenBolt(boltPath, logger)
	if err != nil {
		return nil, err
	}

	defer func() {
		if cerr := dst.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing migrated db: %w", cerr)
		}

		if err != nil {
			logger.Warn("migrate: removing partial database", slog.String("path", boltPath))
			_ = os.Remove(boltPath)
		}
	}()

	if err := dst.Save(src); err != nil {
		return nil, fmt.Errorf("writing migrated state: %w", err)
	}

	fc, ss, md := dst.Counts()
	wantMeta := len(src.metadataMap())

	if fc != len(src.FileCache) || ss != len(src.Files) || md != wantMeta {
		return nil, fmt.Errorf("file_cache %d/%d, sync_state %d/%d, metadata %d/%d: %w",
			fc, len(src.FileCache), ss, len(src.Files), md, wantMeta,
			apperrors.ErrMigrationCountMismatch)
	}

	markers := map[string]string{
		MetaMigratedFromJSON: strconv.FormatBool(true),
		MetaMigrationDate:    time.Now().UTC().Format(time.RFC3339),
		MetaSourceFile:       jsonPath,
	}
	for k, v := range markers {
		if err := dst.SetMetadata(k, v); err != nil {
			return nil, fmt.Errorf("recording migration metadata: %w", err)
		}
	}

	logger.Info("migrate: complete",
		slog.Int("file_cache", fc),
		slog.Int("sync_state", ss),
		slog.String("backup", backupPath),
	)

	return &MigrationResult{FileCache: fc, Files: ss, BackupPath: backupPath}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, stateFilePerm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
