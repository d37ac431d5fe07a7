package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

type RetentionPolicy struct {
	Days  int
	Count int
}

type RetentionResult struct {
	DeletedCount int
	DeletedKeys  []string
	Errors       []error
}

func (p *RetentionPolicy) IsEnabled() bool {
	return p.Days > 0 || p.Count > 0
}

// BackupStore is the part of R2Client retention needs.
type BackupStore interface {
	ListBackups(ctx context.Context) ([]BackupObject, error)
	Delete(ctx context.Context, key string) error
}

// ApplyRetention deletes the bundles the policy no longer keeps. A failed
// delete is recorded in the result and does not stop the others.
func ApplyRetention(ctx context.Context, store BackupStore, policy RetentionPolicy, now time.Time) (*RetentionResult, error) {
	if !policy.IsEnabled() {
		return &RetentionResult{}, nil
	}

	backups, err := store.ListBackups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	toDelete := determineBackupsToDelete(backups, policy, now)
	result := &RetentionResult{DeletedKeys: make([]string, 0, len(toDelete))}

	for _, backup := range toDelete {
		if err := store.Delete(ctx, backup.Key); err != nil {
			result.Errors = append(result.Errors, err)
			log.Warnf("Failed to delete old bundle [%s]: %v", backup.Key, err)
			continue
		}
		result.DeletedCount++
		result.DeletedKeys = append(result.DeletedKeys, backup.Key)
		log.Infof("Deleted old bundle [%s]", backup.Key)
	}
	return result, nil
}

// determineBackupsToDelete keeps the Count newest bundles no matter their age.
// Of the rest, those older than Days are deleted, or all of them when only
// Count is set.
func determineBackupsToDelete(backups []BackupObject, policy RetentionPolicy, now time.Time) []BackupObject {
	if !policy.IsEnabled() {
		return nil
	}

	sorted := append([]BackupObject(nil), backups...)
	sortNewestFirst(sorted)

	maxAge := time.Duration(policy.Days) * 24 * time.Hour
	return lo.Filter(sorted, func(b BackupObject, i int) bool {
		if policy.Count > 0 && i < policy.Count {
			return false
		}
		if policy.Days > 0 {
			return now.Sub(b.LastModified) > maxAge
		}
		return true
	})
}
