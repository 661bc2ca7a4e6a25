// Package sqlite provides a SQLite-backed frame spool transport for
// wireflow. Published frames are persisted and survive restarts; a poll
// loop delivers them to subscribers with at-least-once semantics, and
// frames that keep failing are parked in a dead-frame table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/wireflow-go/wireflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// MetadataDelay holds a time.ParseDuration string; frames carrying it stay
// hidden from subscribers until the delay has elapsed.
const MetadataDelay = "wireflow_delay"

const (
	// DefaultPollInterval is the default interval for polling new frames.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the default number of redeliveries before a
	// frame is parked.
	DefaultMaxRetries = 3

	// lockDuration is how long a fetched frame stays invisible to other
	// pollers before it is considered abandoned.
	lockDuration = 30 * time.Second
)

func init() {
	Register()
}

// Register adds this transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a new SQLite transport from the shared config.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	config := Config{
		FilePath: cfg.GetSQLiteFile(),
	}

	t, err := New(config, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	// PollInterval is the interval for polling new frames.
	PollInterval time.Duration
	// MaxRetries is the number of redeliveries before a frame is parked
	// in the dead-frame table.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "wireflow_spool.db"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Transport implements both Publisher and Subscriber interfaces over a
// SQLite frame spool.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	subscriptions map[string]chan *message.Message
	subMu         sync.RWMutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New creates a new SQLite-backed transport.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()

	dsn := cfg.FilePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// A single connection keeps :memory: databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &Transport{
		db:            db,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]chan *message.Message),
		closedChan:    make(chan struct{}),
	}

	if err := t.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return t, nil
}

func (t *Transport) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		frame_id TEXT NOT NULL UNIQUE,
		destination TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		available_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		locked_until TIMESTAMP,
		attempts INTEGER DEFAULT 0,
		status TEXT DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_frames_destination_status ON frames(destination, status, available_at);
	CREATE INDEX IF NOT EXISTS idx_frames_frame_id ON frames(frame_id);

	CREATE TABLE IF NOT EXISTS dead_frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		frame_id TEXT NOT NULL,
		destination TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		reason TEXT,
		failed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		attempts INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dead_frames_destination ON dead_frames(destination);
	`
	_, err := t.db.Exec(schema)
	return err
}

// Publish spools frames for the destination.
func (t *Transport) Publish(destination string, messages ...*message.Message) error {
	t.closedMu.RLock()
	if t.closed {
		t.closedMu.RUnlock()
		return fmt.Errorf("transport is closed")
	}
	t.closedMu.RUnlock()

	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			if t.logger != nil {
				t.logger.Error("failed to rollback transaction", err, nil)
			}
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO frames (frame_id, destination, payload, metadata, available_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		metadata, err := sonic.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		availableAt := time.Now().UTC()
		if delayStr := msg.Metadata.Get(MetadataDelay); delayStr != "" {
			if delay, err := time.ParseDuration(delayStr); err == nil {
				availableAt = availableAt.Add(delay)
			}
		}

		_, err = stmt.Exec(msg.UUID, destination, msg.Payload, string(metadata), availableAt)
		if err != nil {
			return fmt.Errorf("failed to insert frame: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// PublishWithDelay spools frames that become deliverable only after the
// delay has elapsed.
func (t *Transport) PublishWithDelay(destination string, delay time.Duration, messages ...*message.Message) error {
	for _, msg := range messages {
		msg.Metadata.Set(MetadataDelay, delay.String())
	}
	return t.Publish(destination, messages...)
}

// Subscribe delivers spooled frames addressed to the destination.
func (t *Transport) Subscribe(ctx context.Context, destination string) (<-chan *message.Message, error) {
	t.closedMu.RLock()
	if t.closed {
		t.closedMu.RUnlock()
		return nil, fmt.Errorf("transport is closed")
	}
	t.closedMu.RUnlock()

	msgChan := make(chan *message.Message)

	t.subMu.Lock()
	t.subscriptions[destination] = msgChan
	t.subMu.Unlock()

	t.wg.Add(1)
	go t.pollFrames(ctx, destination, msgChan)

	return msgChan, nil
}

func (t *Transport) pollFrames(ctx context.Context, destination string, msgChan chan *message.Message) {
	defer t.wg.Done()
	defer close(msgChan)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		case <-ticker.C:
			t.deliverAvailableFrame(ctx, destination, msgChan)
		}
	}
}

type fetchedFrame struct {
	id       int64
	frameID  string
	payload  []byte
	metadata string
}

func (t *Transport) fetchAndLockFrame(ctx context.Context, destination string) (*fetchedFrame, bool) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		if t.logger != nil {
			t.logger.Error("failed to begin transaction", err, nil)
		}
		return nil, false
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			if t.logger != nil {
				t.logger.Error("failed to rollback transaction", err, nil)
			}
		}
	}()

	now := time.Now().UTC()
	lockUntil := now.Add(lockDuration)

	row := tx.QueryRowContext(ctx, `
		SELECT id, frame_id, payload, metadata
		FROM frames
		WHERE destination = ?
		AND status = 'pending'
		AND available_at <= ?
		AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY available_at ASC
		LIMIT 1
	`, destination, now, now)

	var ff fetchedFrame
	if err := row.Scan(&ff.id, &ff.frameID, &ff.payload, &ff.metadata); err != nil {
		if err != sql.ErrNoRows && t.logger != nil {
			t.logger.Error("failed to scan frame", err, nil)
		}
		return nil, false
	}

	if _, err = tx.ExecContext(ctx, `UPDATE frames SET locked_until = ? WHERE id = ?`, lockUntil, ff.id); err != nil {
		if t.logger != nil {
			t.logger.Error("failed to lock frame", err, nil)
		}
		return nil, false
	}

	if err := tx.Commit(); err != nil {
		if t.logger != nil {
			t.logger.Error("failed to commit lock", err, nil)
		}
		return nil, false
	}

	return &ff, true
}

func (t *Transport) deliverAvailableFrame(ctx context.Context, destination string, msgChan chan *message.Message) {
	ff, found := t.fetchAndLockFrame(ctx, destination)
	if !found {
		return
	}

	metadata := make(message.Metadata)
	if ff.metadata != "" {
		if err := sonic.Unmarshal([]byte(ff.metadata), &metadata); err != nil && t.logger != nil {
			t.logger.Error("failed to unmarshal metadata", err, nil)
		}
	}

	msg := message.NewMessage(ff.frameID, ff.payload)
	msg.Metadata = metadata

	select {
	case msgChan <- msg:
		t.handleFrameResult(ctx, ff.id, destination, msg)
	case <-ctx.Done():
		t.unlockFrame(ff.id)
	case <-t.closedChan:
		t.unlockFrame(ff.id)
	}
}

func (t *Transport) handleFrameResult(ctx context.Context, id int64, destination string, msg *message.Message) {
	select {
	case <-msg.Acked():
		t.ackFrame(id)
	case <-msg.Nacked():
		t.nackFrame(id, destination)
	case <-ctx.Done():
		t.unlockFrame(id)
	case <-t.closedChan:
		t.unlockFrame(id)
	}
}

func (t *Transport) ackFrame(id int64) {
	_, err := t.db.Exec(`DELETE FROM frames WHERE id = ?`, id)
	if err != nil && t.logger != nil {
		t.logger.Error("failed to ack frame", err, nil)
	}
}

func (t *Transport) nackFrame(id int64, destination string) {
	var attempts int
	err := t.db.QueryRow(`SELECT attempts FROM frames WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		if t.logger != nil {
			t.logger.Error("failed to get attempt count", err, nil)
		}
		return
	}

	if attempts >= t.config.MaxRetries {
		t.parkFrame(id)
		return
	}

	backoff := time.Duration(attempts+1) * time.Second
	availableAt := time.Now().UTC().Add(backoff)
	_, err = t.db.Exec(`
		UPDATE frames
		SET attempts = attempts + 1,
		    locked_until = NULL,
		    available_at = ?
		WHERE id = ?
	`, availableAt, id)
	if err != nil && t.logger != nil {
		t.logger.Error("failed to nack frame", err, nil)
	}
}

func (t *Transport) parkFrame(id int64) {
	tx, err := t.db.Begin()
	if err != nil {
		if t.logger != nil {
			t.logger.Error("failed to begin park transaction", err, nil)
		}
		return
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			if t.logger != nil {
				t.logger.Error("failed to rollback transaction", err, nil)
			}
		}
	}()

	_, err = tx.Exec(`
		INSERT INTO dead_frames (frame_id, destination, payload, metadata, reason, attempts)
		SELECT frame_id, destination, payload, metadata, 'max attempts exceeded', attempts
		FROM frames WHERE id = ?
	`, id)
	if err != nil {
		if t.logger != nil {
			t.logger.Error("failed to park frame", err, nil)
		}
		return
	}

	if _, err = tx.Exec(`DELETE FROM frames WHERE id = ?`, id); err != nil {
		if t.logger != nil {
			t.logger.Error("failed to delete parked frame", err, nil)
		}
		return
	}

	if err := tx.Commit(); err != nil && t.logger != nil {
		t.logger.Error("failed to commit park", err, nil)
	}
}

func (t *Transport) unlockFrame(id int64) {
	_, err := t.db.Exec(`UPDATE frames SET locked_until = NULL WHERE id = ?`, id)
	if err != nil && t.logger != nil {
		t.logger.Error("failed to unlock frame", err, nil)
	}
}

// Close closes the transport and releases resources.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()

	t.subMu.Lock()
	t.subscriptions = nil
	t.subMu.Unlock()

	return t.db.Close()
}

// Capabilities returns the capabilities of this transport instance.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// DB returns the underlying database handle for advanced use cases.
func (t *Transport) DB() *sql.DB {
	return t.db
}

// PendingCount returns the number of spooled frames for a destination.
func (t *Transport) PendingCount(destination string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`
		SELECT COUNT(*) FROM frames
		WHERE destination = ? AND status = 'pending'
	`, destination).Scan(&count)
	return count, err
}

// DeadCount returns the number of parked frames for a destination.
func (t *Transport) DeadCount(destination string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`
		SELECT COUNT(*) FROM dead_frames
		WHERE destination = ?
	`, destination).Scan(&count)
	return count, err
}

// ReplayDeadFrame moves a parked frame back to the spool.
func (t *Transport) ReplayDeadFrame(id int64) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			if t.logger != nil {
				t.logger.Error("failed to rollback transaction", err, nil)
			}
		}
	}()

	_, err = tx.Exec(`
		INSERT INTO frames (frame_id, destination, payload, metadata, attempts)
		SELECT frame_id || '-replay-' || ?, destination, payload, metadata, 0
		FROM dead_frames WHERE id = ?
	`, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`DELETE FROM dead_frames WHERE id = ?`, id)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ReplayAllDead moves every parked frame for a destination back to the
// spool.
func (t *Transport) ReplayAllDead(destination string) (int64, error) {
	tx, err := t.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			if t.logger != nil {
				t.logger.Error("failed to rollback transaction", err, nil)
			}
		}
	}()

	result, err := tx.Exec(`
		INSERT INTO frames (frame_id, destination, payload, metadata, attempts)
		SELECT frame_id || '-replay-' || ?, destination, payload, metadata, 0
		FROM dead_frames WHERE destination = ?
	`, time.Now().UnixNano(), destination)
	if err != nil {
		return 0, err
	}

	affected, _ := result.RowsAffected()

	_, err = tx.Exec(`DELETE FROM dead_frames WHERE destination = ?`, destination)
	if err != nil {
		return 0, err
	}

	return affected, tx.Commit()
}

// PurgeDead removes all parked frames for a destination.
func (t *Transport) PurgeDead(destination string) (int64, error) {
	result, err := t.db.Exec(`DELETE FROM dead_frames WHERE destination = ?`, destination)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListDeadFrames returns parked frames for a destination with pagination.
func (t *Transport) ListDeadFrames(destination string, limit, offset int) ([]transport.DeadFrame, error) {
	rows, err := t.db.Query(`
		SELECT id, frame_id, destination, payload, metadata, reason, failed_at, attempts
		FROM dead_frames
		WHERE destination = ?
		ORDER BY failed_at DESC
		LIMIT ? OFFSET ?
	`, destination, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []transport.DeadFrame
	for rows.Next() {
		var frame transport.DeadFrame
		var metadataStr string
		if err := rows.Scan(&frame.ID, &frame.FrameID, &frame.Destination, &frame.Payload, &metadataStr, &frame.Reason, &frame.FailedAt, &frame.Attempts); err != nil {
			return nil, err
		}
		if metadataStr != "" {
			if err := sonic.Unmarshal([]byte(metadataStr), &frame.Metadata); err != nil {
				if t.logger != nil {
					t.logger.Error("failed to unmarshal metadata", err, nil)
				}
			}
		}
		frames = append(frames, frame)
	}
	return frames, rows.Err()
}
