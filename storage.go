package opscope

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// TargetMetadata is the JSON blob persisted per target.
type TargetMetadata struct {
	DetectedServices []DetectedService `json:"detectedServices"`
	LastScanTime     int64             `json:"lastScanTime,omitempty"`
}

// Store is the persistence collaborator the core writes
// through. The surrounding product owns targets and vaults;
// the core only resolves owner contexts to targets and
// appends what it observed.
type Store interface {
	ResolveTarget(ownerContextID string) string
	SaveCommandRecord(record CommandRecord) error
	MergeDetectedServices(targetID string, services []DetectedService, scanTime time.Time) error
	TargetMetadata(targetID string) (TargetMetadata, error)
	GetPathProgress(targetID, pathID, stepID string) (*PathProgressEntry, error)
	UpsertPathProgress(entry PathProgressEntry) error
	ListPathProgress(targetID string) ([]PathProgressEntry, error)
}

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	mutex sync.Mutex
}

// NewSQLiteStore creates (or opens) the database at path,
// creating parent directories as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := &SQLiteStore{db: db, path: path}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (store *SQLiteStore) init() error {
	_, err := store.db.Exec(`
	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		owner_context_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS targets_owner ON targets(owner_context_id);
	CREATE TABLE IF NOT EXISTS command_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_id TEXT NOT NULL,
		command TEXT NOT NULL,
		output TEXT NOT NULL,
		category TEXT NOT NULL,
		attack_path_hint TEXT,
		duration_ms INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS target_metadata (
		target_id TEXT PRIMARY KEY,
		metadata TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS attack_path_progress (
		target_id TEXT NOT NULL,
		path_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT,
		findings_count INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER,
		PRIMARY KEY (target_id, path_id, step_id)
	);`)
	return err
}

func (store *SQLiteStore) Close() error {
	return store.db.Close()
}

// AddTarget registers a target under an owner context so that
// session captures can resolve to it.
func (store *SQLiteStore) AddTarget(targetID, ownerContextID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	_, err := store.db.Exec(`INSERT INTO targets (id, owner_context_id) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET owner_context_id = excluded.owner_context_id`,
		targetID, ownerContextID)
	return err
}

// ResolveTarget returns the target attached to an owner
// context, or "" when there is none.
func (store *SQLiteStore) ResolveTarget(ownerContextID string) string {
	if ownerContextID == "" {
		return ""
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var targetID string
	err := store.db.QueryRow(`SELECT id FROM targets WHERE owner_context_id = ? ORDER BY id LIMIT 1`,
		ownerContextID).Scan(&targetID)
	if err != nil {
		return ""
	}
	return targetID
}

func (store *SQLiteStore) SaveCommandRecord(record CommandRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	_, err := store.db.Exec(`INSERT INTO command_records
		(target_id, command, output, category, attack_path_hint, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.TargetID,
		record.Command,
		record.Output,
		record.Category,
		record.AttackPathHint,
		record.DurationMs,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// CommandRecords returns the stored records for a target,
// newest first.
func (store *SQLiteStore) CommandRecords(targetID string, limit int) ([]CommandRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	query := `SELECT target_id, command, output, category, attack_path_hint, duration_ms
		FROM command_records WHERE target_id = ? ORDER BY id DESC`
	args := []interface{}{targetID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := store.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []CommandRecord
	for rows.Next() {
		var record CommandRecord
		var hint sql.NullString
		if err := rows.Scan(&record.TargetID, &record.Command, &record.Output,
			&record.Category, &hint, &record.DurationMs); err != nil {
			return nil, err
		}
		record.AttackPathHint = hint.String
		records = append(records, record)
	}
	return records, rows.Err()
}

// MergeDetectedServices rewrites the target's stored service
// set with overwrite-by-name semantics, so repeated detection
// is idempotent.
func (store *SQLiteStore) MergeDetectedServices(targetID string, services []DetectedService, scanTime time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	metadata, err := store.readMetadata(targetID)
	if err != nil {
		return err
	}
	metadata.DetectedServices = mergeServices(metadata.DetectedServices, services)
	metadata.LastScanTime = scanTime.Unix()
	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal target metadata: %w", err)
	}
	_, err = store.db.Exec(`INSERT INTO target_metadata (target_id, metadata) VALUES (?, ?)
		ON CONFLICT(target_id) DO UPDATE SET metadata = excluded.metadata`,
		targetID, string(blob))
	return err
}

func (store *SQLiteStore) TargetMetadata(targetID string) (TargetMetadata, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.readMetadata(targetID)
}

func (store *SQLiteStore) readMetadata(targetID string) (TargetMetadata, error) {
	var blob string
	err := store.db.QueryRow(`SELECT metadata FROM target_metadata WHERE target_id = ?`,
		targetID).Scan(&blob)
	if err == sql.ErrNoRows {
		return TargetMetadata{}, nil
	}
	if err != nil {
		return TargetMetadata{}, err
	}
	var metadata TargetMetadata
	if err := json.Unmarshal([]byte(blob), &metadata); err != nil {
		return TargetMetadata{}, fmt.Errorf("unmarshal target metadata: %w", err)
	}
	return metadata, nil
}

func (store *SQLiteStore) GetPathProgress(targetID, pathID, stepID string) (*PathProgressEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry := PathProgressEntry{TargetID: targetID, PathID: pathID, StepID: stepID}
	var notes sql.NullString
	var completedAt sql.NullInt64
	err := store.db.QueryRow(`SELECT status, notes, findings_count, completed_at
		FROM attack_path_progress WHERE target_id = ? AND path_id = ? AND step_id = ?`,
		targetID, pathID, stepID).Scan(&entry.Status, &notes, &entry.FindingsCount, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.Notes = notes.String
	entry.CompletedAt = completedAt.Int64
	return &entry, nil
}

func (store *SQLiteStore) UpsertPathProgress(entry PathProgressEntry) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	_, err := store.db.Exec(`INSERT INTO attack_path_progress
		(target_id, path_id, step_id, status, notes, findings_count, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id, path_id, step_id) DO UPDATE SET
			status = excluded.status,
			notes = excluded.notes,
			findings_count = excluded.findings_count,
			completed_at = excluded.completed_at`,
		entry.TargetID, entry.PathID, entry.StepID, entry.Status,
		entry.Notes, entry.FindingsCount, entry.CompletedAt)
	return err
}

func (store *SQLiteStore) ListPathProgress(targetID string) ([]PathProgressEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	rows, err := store.db.Query(`SELECT path_id, step_id, status, notes, findings_count, completed_at
		FROM attack_path_progress WHERE target_id = ? ORDER BY path_id, step_id`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []PathProgressEntry
	for rows.Next() {
		entry := PathProgressEntry{TargetID: targetID}
		var notes sql.NullString
		var completedAt sql.NullInt64
		if err := rows.Scan(&entry.PathID, &entry.StepID, &entry.Status,
			&notes, &entry.FindingsCount, &completedAt); err != nil {
			return nil, err
		}
		entry.Notes = notes.String
		entry.CompletedAt = completedAt.Int64
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func mergeServices(existing, incoming []DetectedService) []DetectedService {
	merged := make([]DetectedService, len(existing))
	copy(merged, existing)
	for _, service := range incoming {
		replaced := false
		for index := range merged {
			if merged[index].Name == service.Name {
				merged[index] = service
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, service)
		}
	}
	return merged
}

// memoryStore keeps everything in maps. It backs unscoped
// capture and the test suite.
type memoryStore struct {
	mutex    sync.Mutex
	targets  map[string]string // owner context -> target
	records  []CommandRecord
	metadata map[string]TargetMetadata
	progress map[string]PathProgressEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		targets:  make(map[string]string),
		metadata: make(map[string]TargetMetadata),
		progress: make(map[string]PathProgressEntry),
	}
}

func progressKey(targetID, pathID, stepID string) string {
	return targetID + "\x00" + pathID + "\x00" + stepID
}

func (store *memoryStore) AddTarget(targetID, ownerContextID string) {
	store.mutex.Lock()
	store.targets[ownerContextID] = targetID
	store.mutex.Unlock()
}

func (store *memoryStore) ResolveTarget(ownerContextID string) string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.targets[ownerContextID]
}

func (store *memoryStore) SaveCommandRecord(record CommandRecord) error {
	store.mutex.Lock()
	store.records = append(store.records, record)
	store.mutex.Unlock()
	return nil
}

func (store *memoryStore) MergeDetectedServices(targetID string, services []DetectedService, scanTime time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	metadata := store.metadata[targetID]
	metadata.DetectedServices = mergeServices(metadata.DetectedServices, services)
	metadata.LastScanTime = scanTime.Unix()
	store.metadata[targetID] = metadata
	return nil
}

func (store *memoryStore) TargetMetadata(targetID string) (TargetMetadata, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.metadata[targetID], nil
}

func (store *memoryStore) GetPathProgress(targetID, pathID, stepID string) (*PathProgressEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if entry, ok := store.progress[progressKey(targetID, pathID, stepID)]; ok {
		entryCopy := entry
		return &entryCopy, nil
	}
	return nil, nil
}

func (store *memoryStore) UpsertPathProgress(entry PathProgressEntry) error {
	store.mutex.Lock()
	store.progress[progressKey(entry.TargetID, entry.PathID, entry.StepID)] = entry
	store.mutex.Unlock()
	return nil
}

func (store *memoryStore) ListPathProgress(targetID string) ([]PathProgressEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var entries []PathProgressEntry
	for _, entry := range store.progress {
		if entry.TargetID == targetID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}
