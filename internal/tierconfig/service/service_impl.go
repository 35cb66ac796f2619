package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/0xHoneyJar/freeside/internal/clock"
	"github.com/0xHoneyJar/freeside/internal/config"
	"github.com/0xHoneyJar/freeside/internal/occ"
	tierdomain "github.com/0xHoneyJar/freeside/internal/tierconfig/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Config config.Config
	Clock  clock.Clock
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	serverID string
}

func NewService(p Params) tierdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("tierconfig.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		serverID: p.Config.ServerID,
	}
}

func (s *Service) Get(ctx context.Context, communityID string) (*tierdomain.TierConfig, error) {
	var cfg tierdomain.TierConfig
	if err := s.db.WithContext(ctx).
		Where("community_id = ?", communityID).
		First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, tierdomain.ErrNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

func (s *Service) Update(ctx context.Context, input tierdomain.UpdateInput) (*tierdomain.TierConfig, error) {
	if strings.TrimSpace(input.CommunityID) == "" || len(input.Tiers) == 0 {
		return nil, tierdomain.ErrInvalidTiers
	}
	targets := make([]occ.Tier, 0, len(input.Tiers))
	for _, tier := range input.Tiers {
		if tier.ID == "" || tier.Index < 0 {
			return nil, tierdomain.ErrInvalidTiers
		}
		targets = append(targets, occ.Tier{ID: tier.ID, Index: tier.Index})
	}

	// Scope fencing runs before version checking: a privilege escalation
	// is denied even when the caller's version is current.
	if err := occ.FenceTiers(input.CallerTierIndex, targets); err != nil {
		return nil, err
	}

	encodedTiers, err := json.Marshal(input.Tiers)
	if err != nil {
		return nil, err
	}

	var updated *tierdomain.TierConfig
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()

		var current tierdomain.TierConfig
		err := tx.Where("community_id = ?", input.CommunityID).First(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Bootstrap: a first write against version 0 creates the row.
			if input.ExpectedVersion != 0 {
				return tierdomain.ErrNotFound
			}
			created := tierdomain.TierConfig{
				ID:          s.genID.Generate(),
				CommunityID: input.CommunityID,
				Version:     1,
				Tiers:       encodedTiers,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.Create(&created).Error; err != nil {
				return err
			}
			updated = &created
			return nil
		}
		if err != nil {
			return err
		}

		if err := occ.CheckVersion(current.Version, input.ExpectedVersion, s.serverID); err != nil {
			return err
		}

		guarded := tx.Exec(
			`UPDATE tier_configs SET tiers = ?, version = ?, updated_at = ?
			 WHERE community_id = ? AND version = ?`,
			encodedTiers, current.Version+1, now, input.CommunityID, current.Version,
		)
		if guarded.Error != nil {
			return guarded.Error
		}
		if guarded.RowsAffected == 0 {
			var fresh tierdomain.TierConfig
			if err := tx.Where("community_id = ?", input.CommunityID).First(&fresh).Error; err != nil {
				return err
			}
			return &occ.VersionConflictError{
				CurrentVersion: fresh.Version,
				YourVersion:    input.ExpectedVersion,
				ServerID:       s.serverID,
			}
		}

		current.Version++
		current.Tiers = encodedTiers
		current.UpdatedAt = now
		updated = &current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("tier config updated",
		zap.String("community_id", input.CommunityID),
		zap.Int64("version", updated.Version),
	)
	return updated, nil
}
