// Package store implements C1: durable state for campaigns, opt-ins, and
// the reminder audit log, backed by SQLite via go.mau.fi/util/dbutil.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/beeper/discord-mcp/internal/apperr"
	"github.com/beeper/discord-mcp/internal/store/migrations"
)

// Store is the single-writer durable handle for the campaign engine.
// Reads are safe for concurrent use; writes are committed atomically per
// call (spec §4.1 "Concurrency & durability").
type Store struct {
	db *dbutil.Database
}

// Open creates the database file if missing and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	raw, err := sql.Open("sqlite3", path+"?_journal=WAL&_foreign_keys=on")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "open sqlite database", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "wrap sqlite database", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenWithDB wraps an already-open dbutil.Database, used by tests to share
// an in-memory sqlite connection across Store and fixtures.
func OpenWithDB(ctx context.Context, db *dbutil.Database) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMP NOT NULL)`)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "create schema_migrations table", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "query schema_migrations", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return apperr.Wrap(apperr.Internal, "scan schema_migrations", err)
		}
		applied[name] = true
	}
	rows.Close()

	names := append([]string(nil), migrations.Names...)
	sort.Strings(names)
	for _, name := range names {
		if applied[name] {
			continue
		}
		contents, err := migrations.Files.ReadFile(name)
		if err != nil {
			return apperr.Wrap(apperr.Internal, fmt.Sprintf("read migration %s", name), err)
		}
		if _, err := s.db.Exec(ctx, string(contents)); err != nil {
			return apperr.Wrap(apperr.Internal, fmt.Sprintf("apply migration %s", name), err)
		}
		if _, err := s.db.Exec(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES ($1, $2)`, name, time.Now().UTC()); err != nil {
			return apperr.Wrap(apperr.Internal, fmt.Sprintf("record migration %s", name), err)
		}
	}
	return nil
}

// CreateCampaign inserts a new campaign. On an I1 collision against a
// non-deleted row it returns a Duplicate *apperr.Error carrying the
// existing campaign's id in Data["campaign_id"].
func (s *Store) CreateCampaign(ctx context.Context, title, channelID, messageID, emoji string, remindAt time.Time) (*Campaign, error) {
	if existing, ok, err := s.findActiveDuplicate(ctx, channelID, messageID, emoji); err != nil {
		return nil, err
	} else if ok {
		return nil, &apperr.Error{
			Kind:    apperr.Duplicate,
			Message: fmt.Sprintf("campaign already exists for channel=%s message=%s emoji=%s", channelID, messageID, emoji),
			Data:    map[string]any{"campaign_id": existing.ID},
		}
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(ctx,
		`INSERT INTO campaigns (title, channel_id, message_id, emoji, remind_at, created_at, status)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		nullableString(title), channelID, messageID, emoji, remindAt.UTC(), now, string(StatusActive),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "insert campaign", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read inserted campaign id", err)
	}
	return &Campaign{
		ID: id, Title: title, ChannelID: channelID, MessageID: messageID, Emoji: emoji,
		RemindAt: remindAt.UTC(), CreatedAt: now, Status: StatusActive,
	}, nil
}

func (s *Store) findActiveDuplicate(ctx context.Context, channelID, messageID, emoji string) (*Campaign, bool, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, title, channel_id, message_id, emoji, remind_at, created_at, status
         FROM campaigns WHERE channel_id=$1 AND message_id=$2 AND emoji=$3 AND deleted_at IS NULL`,
		channelID, messageID, emoji,
	)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Internal, "query duplicate campaign", err)
	}
	return c, true, nil
}

// GetCampaign loads a non-tombstoned campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, title, channel_id, message_id, emoji, remind_at, created_at, status
         FROM campaigns WHERE id=$1 AND deleted_at IS NULL`,
		id,
	)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.NotFound, "campaign %d not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "query campaign", err)
	}
	return c, nil
}

// GetCampaignIncludingDeleted loads a campaign by id regardless of
// tombstone status, so a caller can tell "never existed" (NotFound) apart
// from "exists but was deleted" (InvalidState, see GetActiveCampaign).
func (s *Store) GetCampaignIncludingDeleted(ctx context.Context, id int64) (*Campaign, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, title, channel_id, message_id, emoji, remind_at, created_at, status
         FROM campaigns WHERE id=$1`,
		id,
	)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.NotFound, "campaign %d not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "query campaign", err)
	}
	return c, nil
}

// GetActiveCampaign loads a campaign by id, failing with NotFound if it
// never existed and InvalidState if it has been tombstoned (spec §4.3 step
// 1, §7: InvalidState is "operation attempted against a deleted campaign").
func (s *Store) GetActiveCampaign(ctx context.Context, id int64) (*Campaign, error) {
	c, err := s.GetCampaignIncludingDeleted(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusDeleted {
		return nil, apperr.Newf(apperr.InvalidState, "campaign %d is deleted", id)
	}
	return c, nil
}

// ListCampaigns returns non-deleted campaigns, optionally filtered by status.
func (s *Store) ListCampaigns(ctx context.Context, statusFilter *Status) ([]Campaign, error) {
	query := `SELECT id, title, channel_id, message_id, emoji, remind_at, created_at, status
             FROM campaigns WHERE deleted_at IS NULL`
	var args []any
	if statusFilter != nil {
		query += ` AND status=$1`
		args = append(args, string(*statusFilter))
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list campaigns", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan campaign", err)
		}
		out = append(out, *c)
	}
	return out, nil
}

// ListDue returns active campaigns whose remind_at has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]Campaign, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, title, channel_id, message_id, emoji, remind_at, created_at, status
         FROM campaigns WHERE deleted_at IS NULL AND status=$1 AND remind_at <= $2
         ORDER BY remind_at ASC`,
		string(StatusActive), now.UTC(),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list due campaigns", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan due campaign", err)
		}
		out = append(out, *c)
	}
	return out, nil
}

// SetStatus applies a status transition, rejecting any not permitted by I2.
func (s *Store) SetStatus(ctx context.Context, id int64, to Status) error {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(c.Status, to) {
		return apperr.Newf(apperr.InvalidState, "cannot transition campaign %d from %s to %s", id, c.Status, to)
	}
	_, err = s.db.Exec(ctx, `UPDATE campaigns SET status=$1 WHERE id=$2`, string(to), id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "update campaign status", err)
	}
	return nil
}

// DeleteCampaign tombstones a campaign (spec §3 Invariant I2 allows either
// model; this Store commits to tombstoning, see DESIGN.md). Listings and
// uniqueness checks ignore tombstoned rows (I1). OptIns and ReminderLogs
// are left in place for audit purposes; they are only physically removed
// if the underlying campaign row is ever purged out-of-band.
func (s *Store) DeleteCampaign(ctx context.Context, id int64) error {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(c.Status, StatusDeleted) {
		return apperr.Newf(apperr.InvalidState, "cannot delete campaign %d from status %s", id, c.Status)
	}
	_, err = s.db.Exec(ctx,
		`UPDATE campaigns SET status=$1, deleted_at=$2 WHERE id=$3`,
		string(StatusDeleted), time.Now().UTC(), id,
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "tombstone campaign", err)
	}
	return nil
}

// UpsertOptIn records a participation, idempotent on (campaign_id, user_id)
// per invariant I3. Username is set only on first insert (spec §4.3
// "Username staleness" — never refreshed on re-tally).
func (s *Store) UpsertOptIn(ctx context.Context, campaignID int64, userID, username string) (UpsertOutcome, error) {
	res, err := s.db.Exec(ctx,
		`INSERT INTO opt_ins (campaign_id, user_id, username, tallied_at)
         VALUES ($1, $2, $3, $4)
         ON CONFLICT(campaign_id, user_id) DO NOTHING`,
		campaignID, userID, nullableString(username), time.Now().UTC(),
	)
	if err != nil {
		return Existing, apperr.Wrap(apperr.Internal, "upsert opt-in", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Existing, apperr.Wrap(apperr.Internal, "read upsert rows affected", err)
	}
	if rows > 0 {
		return Inserted, nil
	}
	return Existing, nil
}

// ListOptIns returns a page of opt-ins for a campaign in insertion order,
// keyed by an opaque user-id cursor rather than a numeric offset so the
// page boundary doesn't drift as new opt-ins accumulate.
func (s *Store) ListOptIns(ctx context.Context, campaignID int64, limit int, afterUserID string) (*OptInPage, error) {
	if limit <= 0 {
		limit = 100
	}
	var afterID int64
	if afterUserID != "" {
		row := s.db.QueryRow(ctx, `SELECT id FROM opt_ins WHERE campaign_id=$1 AND user_id=$2`, campaignID, afterUserID)
		if err := row.Scan(&afterID); err != nil && err != sql.ErrNoRows {
			return nil, apperr.Wrap(apperr.Internal, "resolve opt-in cursor", err)
		}
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, campaign_id, user_id, username, tallied_at FROM opt_ins
         WHERE campaign_id=$1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		campaignID, afterID, limit+1,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list opt-ins", err)
	}
	defer rows.Close()

	var out []OptIn
	for rows.Next() {
		var o OptIn
		var username sql.NullString
		if err := rows.Scan(&o.ID, &o.CampaignID, &o.UserID, &username, &o.TalliedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan opt-in", err)
		}
		o.Username = username.String
		out = append(out, o)
	}

	page := &OptInPage{}
	if len(out) > limit {
		page.HasMore = true
		out = out[:limit]
	}
	page.OptIns = out
	if len(out) > 0 {
		page.After = out[len(out)-1].UserID
	}
	return page, nil
}

// CountOptIns returns the number of opt-ins recorded for a campaign.
func (s *Store) CountOptIns(ctx context.Context, campaignID int64) (int, error) {
	row := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM opt_ins WHERE campaign_id=$1`, campaignID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "count opt-ins", err)
	}
	return n, nil
}

// AppendReminderLog writes exactly one audit row per C5 invocation.
func (s *Store) AppendReminderLog(ctx context.Context, campaignID int64, sentAt time.Time, recipientCount, chunks int, success bool, errMessage string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO reminder_logs (campaign_id, sent_at, recipient_count, message_chunks, success, error_message)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		campaignID, sentAt.UTC(), recipientCount, chunks, success, nullableString(errMessage),
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "append reminder log", err)
	}
	return nil
}

// ListReminderLogs returns the audit trail for a campaign, most recent first.
func (s *Store) ListReminderLogs(ctx context.Context, campaignID int64) ([]ReminderLog, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, campaign_id, sent_at, recipient_count, message_chunks, success, error_message
         FROM reminder_logs WHERE campaign_id=$1 ORDER BY id DESC`,
		campaignID,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list reminder logs", err)
	}
	defer rows.Close()

	var out []ReminderLog
	for rows.Next() {
		var l ReminderLog
		var errMsg sql.NullString
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.SentAt, &l.RecipientCount, &l.MessageChunks, &l.Success, &errMsg); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan reminder log", err)
		}
		l.ErrorMessage = errMsg.String
		out = append(out, l)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	var c Campaign
	var title sql.NullString
	var status string
	if err := row.Scan(&c.ID, &title, &c.ChannelID, &c.MessageID, &c.Emoji, &c.RemindAt, &c.CreatedAt, &status); err != nil {
		return nil, err
	}
	c.Title = title.String
	c.Status = Status(status)
	return &c, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
