package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// ErrCorrupt marks a ledger file that failed validation with no usable
// backup. The engine must halt new entries for the affected book until
// an operator intervenes; it must never be read as "no positions".
var ErrCorrupt = errors.New("ledger corrupt, no valid backup")

// Store persists a Book as a single JSON file. Writes go to a temp
// file, are validated by re-reading, and are renamed over the live
// file; the previous live file becomes the rolling backup. There is
// exactly one writer process, so no locking.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) backupPath() string { return s.path + ".bak" }

// Load reads the book, running the version migration once. A missing
// file yields an empty book. A corrupt file falls back to the backup;
// if that also fails, ErrCorrupt is returned.
func (s *Store) Load() (*Book, error) {
	book, err := readBook(s.path)
	if err == nil {
		migrate(book)
		return book, nil
	}
	if os.IsNotExist(err) {
		return NewBook(), nil
	}
	log.Error().Err(err).Str("path", s.path).Msg("ledger load failed, trying backup")
	book, bakErr := readBook(s.backupPath())
	if bakErr != nil {
		return nil, fmt.Errorf("%w: %v (backup: %v)", ErrCorrupt, err, bakErr)
	}
	migrate(book)
	log.Warn().Str("path", s.backupPath()).Msg("ledger restored from backup")
	return book, nil
}

func readBook(path string) (*Book, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var book Book
	if err := json.Unmarshal(raw, &book); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if book.Positions == nil {
		book.Positions = make(map[string]*Position)
	}
	if err := book.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &book, nil
}

// Save writes the book atomically. On any failure the live file is
// untouched and the error is surfaced to the caller.
func (s *Store) Save(book *Book) error {
	if err := book.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid book: %w", err)
	}
	raw, err := json.MarshalIndent(book, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	// Read the temp file back before promoting it.
	if _, err := readBook(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("validate written ledger: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.backupPath()); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("rotate backup: %w", err)
		}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("promote %s: %w", tmp, err)
	}
	return nil
}

// migrate upgrades older on-disk layouts in place. Runs once at load,
// never during normal operation.
func migrate(book *Book) {
	if book.Version >= CurrentVersion {
		return
	}
	// v1 kept exits only inside tranches; rebuild the preserved
	// position-level history from them.
	for _, p := range book.Positions {
		if len(p.ExitHistory) == 0 {
			for _, t := range p.Tranches {
				p.ExitHistory = append(p.ExitHistory, t.Exits...)
			}
		}
	}
	log.Info().Int("from", book.Version).Int("to", CurrentVersion).Msg("ledger migrated")
	book.Version = CurrentVersion
}
