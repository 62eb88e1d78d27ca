package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medtrack/internal/config"
	"medtrack/internal/domain"
	"medtrack/internal/repo"
)

// ResolveProfileAndConfig picks the active profile and ensures a profile +
// config exist in DB, seeding defaults if missing. It prefers the override,
// then the single-profile DB; with an empty DB a default profile is created
// on the fly.
func ResolveProfileAndConfig(ctx context.Context, profileOverride string, r repo.Repo) (string, *config.Config, error) {
	profileID := profileOverride
	if profileID == "" {
		p, err := r.SingleProfile(ctx)
		switch {
		case err == nil:
			profileID = p.ID
		case errors.Is(err, repo.ErrNotFound):
			profileID = "default"
		default:
			return "", nil, err
		}
	}
	seedCfg := config.Default(profileID)

	if _, err := r.GetProfile(ctx, profileID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProfile(ctx, r, profileID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProfileConfig(ctx, profileID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProfileConfig(ctx, profileID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed profile config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Profile.ID = profileID
	return profileID, cfg, nil
}

func createProfile(ctx context.Context, r repo.Repo, profileID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(profileID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p := domain.Profile{
		ID:        profileID,
		Name:      "",
		CreatedAt: now,
	}
	if err := r.InsertProfile(ctx, tx, p); err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	if err := r.UpsertProfileConfigTx(ctx, tx, profileID, seedCfg); err != nil {
		return fmt.Errorf("insert profile config: %w", err)
	}
	return tx.Commit()
}
