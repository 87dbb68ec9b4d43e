package distributord

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"
)

// Submission outcomes stored in the journal.
const (
	OutcomeSettled = "settled"
	OutcomeAborted = "aborted"
)

// Idempotency claim states.
const (
	claimPending = "pending"
	claimSettled = "settled"
)

var (
	// ErrKeyReused reports an idempotency key presented with a different body.
	ErrKeyReused = errors.New("idempotency key reused with a different payload")
	// ErrKeyInFlight reports an idempotency key whose first request has not
	// finished yet.
	ErrKeyInFlight = errors.New("idempotency key has a request in progress")
)

// Submission is one journaled submission attempt.
type Submission struct {
	ID               string `gorm:"primaryKey;size:36"`
	IdempotencyKey   string `gorm:"size:64;index"`
	BodyHash         string `gorm:"size:64"`
	Route            string `gorm:"size:32"`
	Client           string `gorm:"size:160"`
	DistributionUUID string `gorm:"size:66;index"`
	BatchID          uint32
	Delegated        bool
	Status           int
	Outcome          string `gorm:"size:16;index"`
	Error            string `gorm:"type:text"`
	Response         string `gorm:"type:text"`
	CreatedAt        time.Time
}

// KeyClaim reserves an idempotency fingerprint. The primary key makes the
// reservation atomic across daemons sharing one journal.
type KeyClaim struct {
	Fingerprint  string `gorm:"primaryKey;size:64"`
	BodyHash     string `gorm:"size:64"`
	State        string `gorm:"size:16"`
	SubmissionID string `gorm:"size:36"`
	CreatedAt    time.Time
}

// Journal records submissions and answers idempotent retries.
type Journal struct {
	db *gorm.DB
}

// OpenJournal connects to dsn and migrates the schema.
func OpenJournal(dsn string) (*Journal, error) {
	dialector := journalDialector(dsn)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return NewJournal(db)
}

func journalDialector(dsn string) gorm.Dialector {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return postgres.Open(trimmed)
	}
	return sqlite.Open(trimmed)
}

// NewJournal wraps an open database.
func NewJournal(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal database required")
	}
	if err := db.AutoMigrate(&Submission{}, &KeyClaim{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Fingerprint scopes a client supplied idempotency key to the client and
// route so two clients never collide.
func Fingerprint(client, route, key string) string {
	sum := blake3.Sum256([]byte(client + "\x00" + route + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// BodyHash digests a request body.
func BodyHash(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Claim reserves key for a request whose body digests to bodyHash. It
// reports found with the stored submission when the key already settled the
// same body. A pending reservation yields ErrKeyInFlight and a different body
// yields ErrKeyReused. An empty key claims nothing.
func (j *Journal) Claim(ctx context.Context, key, bodyHash string) (*Submission, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	db := j.db.WithContext(ctx)
	claim := KeyClaim{Fingerprint: key, BodyHash: bodyHash, State: claimPending, CreatedAt: time.Now().UTC()}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&claim)
	if res.Error != nil {
		return nil, false, fmt.Errorf("journal claim: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil, false, nil
	}

	var held KeyClaim
	res = db.Where("fingerprint = ?", key).Limit(1).Find(&held)
	if res.Error != nil {
		return nil, false, fmt.Errorf("journal claim lookup: %w", res.Error)
	}
	switch {
	case res.RowsAffected == 0:
		// Released between the insert and the lookup.
		return nil, false, ErrKeyInFlight
	case held.BodyHash != bodyHash:
		return nil, false, ErrKeyReused
	case held.State != claimSettled:
		return nil, false, ErrKeyInFlight
	}

	var record Submission
	res = db.Where("id = ?", held.SubmissionID).Limit(1).Find(&record)
	if res.Error != nil {
		return nil, false, fmt.Errorf("journal lookup: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, fmt.Errorf("journal lookup: submission %s missing for settled key", held.SubmissionID)
	}
	return &record, true, nil
}

// Record stores a submission attempt and resolves its idempotency claim in
// the same transaction: a settled attempt pins the claim for replay, an
// aborted one releases it so the client may retry.
func (j *Journal) Record(ctx context.Context, record *Submission) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		if record.IdempotencyKey == "" {
			return nil
		}
		claims := tx.Model(&KeyClaim{}).Where("fingerprint = ? AND state = ?", record.IdempotencyKey, claimPending)
		if record.Outcome == OutcomeSettled {
			return claims.Updates(map[string]interface{}{"state": claimSettled, "submission_id": record.ID}).Error
		}
		return tx.Where("fingerprint = ? AND state = ?", record.IdempotencyKey, claimPending).Delete(&KeyClaim{}).Error
	})
	if err != nil {
		return fmt.Errorf("journal record: %w", err)
	}
	return nil
}

// Release drops a pending claim for a request that ended before reaching
// the engine.
func (j *Journal) Release(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	err := j.db.WithContext(ctx).Where("fingerprint = ? AND state = ?", key, claimPending).Delete(&KeyClaim{}).Error
	if err != nil {
		return fmt.Errorf("journal release: %w", err)
	}
	return nil
}

// ForDistribution lists the attempts recorded for a distribution uuid,
// oldest first.
func (j *Journal) ForDistribution(ctx context.Context, distributionUUID string, limit int) ([]Submission, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var records []Submission
	err := j.db.WithContext(ctx).
		Where("distribution_uuid = ?", strings.ToLower(distributionUUID)).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("journal list: %w", err)
	}
	return records, nil
}
