// Package storage — примитивы надёжной записи на локальный диск: каталоги
// под базы арендаторов и пиры сессий, атомарная запись файла креденшела.
// Частично записанный креденшел непригоден, поэтому запись идёт через
// временный файл с fsync и rename.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"telegram-scheduler/internal/infra/logger"
)

const (
	// filePerm — права итогового файла: креденшелы читает только владелец.
	filePerm = 0o600
	// dirPerm — права создаваемых каталогов данных.
	dirPerm = 0o700
)

// EnsureDir создаёт каталог, в котором должен лежать файл path.
// Пути без каталога ("." или пустые) пропускаются.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile записывает data в path так, что читатель видит либо старое
// содержимое целиком, либо новое целиком. Временный файл создаётся в том же
// каталоге: rename атомарен только в пределах одного тома. Итоговый файл
// получает права filePerm.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "write-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	// fsync каталога фиксирует запись имени файла; на части ФС не поддерживается.
	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", errSync)
		}
		_ = dirFile.Close()
	}
	return nil
}
